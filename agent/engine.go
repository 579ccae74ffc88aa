package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Gurpartap/agentgraph/stream"
)

const (
	DefaultMaxStepsPerTurn = 12
	DefaultUpstreamTimeout = 60 * time.Second
)

// Dependencies wires collaborators into the engine. Store, Reasoner and Tools
// are required; everything else has a default.
type Dependencies struct {
	Store     CheckpointStore
	Reasoner  Reasoner
	Tools     ToolDispatcher
	Retriever Retriever
	Prompter  Prompter
	Finalizer Finalizer
	EventSink EventSink
	Logger    *slog.Logger
	Clock     Clock
}

// Config bounds engine execution.
type Config struct {
	// MaxStepsPerTurn caps node executions per drive. Zero uses the default.
	MaxStepsPerTurn int
	// UpstreamTimeout bounds each reasoning, retrieval, tool and finalize call.
	// Zero uses the default; negative disables the bound.
	UpstreamTimeout time.Duration
	// LeaseWait is how long a call queues for a busy thread. Zero fails fast
	// with ErrThreadBusy; negative waits until the request context ends.
	LeaseWait time.Duration
	// StreamBuffer is the per-stream event buffer. Zero uses stream.DefaultBuffer.
	StreamBuffer int
}

// AdvanceInput is one user turn.
type AdvanceInput struct {
	ThreadID    ThreadID
	Fingerprint string
	Input       string
	// Rewind replaces the n-th most recent user turn with Input on a new branch.
	Rewind int
}

// Engine drives threads through the conversation graph, committing one
// checkpoint per node transition.
type Engine struct {
	store      CheckpointStore
	reasoner   Reasoner
	tools      ToolDispatcher
	retriever  Retriever
	prompter   Prompter
	finalizer  Finalizer
	events     EventSink
	logger     *slog.Logger
	now        Clock
	cfg        Config
	leases     *leaseTable
	interrupts *InterruptController
	nodes      map[Node]nodeFunc
	inflight   sync.WaitGroup
}

func NewEngine(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("new engine: %w", ErrMissingCheckpointStore)
	}
	if deps.Reasoner == nil {
		return nil, fmt.Errorf("new engine: %w", ErrMissingReasoner)
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("new engine: %w", ErrMissingToolDispatcher)
	}
	if deps.Prompter == nil {
		deps.Prompter = basicPrompter{}
	}
	if deps.Finalizer == nil {
		deps.Finalizer = ParagraphFinalizer{}
	}
	if deps.EventSink == nil {
		deps.EventSink = noopEventSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Clock == nil {
		deps.Clock = nowUTC
	}
	if cfg.MaxStepsPerTurn <= 0 {
		cfg.MaxStepsPerTurn = DefaultMaxStepsPerTurn
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}

	e := &Engine{
		store:     deps.Store,
		reasoner:  deps.Reasoner,
		tools:     deps.Tools,
		retriever: deps.Retriever,
		prompter:  deps.Prompter,
		finalizer: deps.Finalizer,
		events:    deps.EventSink,
		logger:    deps.Logger,
		now:       deps.Clock,
		cfg:       cfg,
		leases:    newLeaseTable(),
	}
	e.interrupts = newInterruptController(e.store, e.events, e.logger, e.now)
	e.nodes = map[Node]nodeFunc{
		NodeReason:   e.reason,
		NodeRoute:    e.route,
		NodeClassify: e.classify,
		NodeExecute:  e.execute,
		NodeRetrieve: e.retrieve,
		NodeFinalize: e.finalize,
	}
	for _, node := range knownNodes {
		if node == NodeStart || node.resting() {
			continue
		}
		if _, ok := e.nodes[node]; !ok {
			return nil, fmt.Errorf("new engine: %w: %s", ErrMissingNodeHandler, node)
		}
	}
	return e, nil
}

// Interrupts exposes the interrupt controller for callers that already hold
// the thread lease, such as tests and operational tooling.
func (e *Engine) Interrupts() *InterruptController {
	return e.interrupts
}

// Advance appends a user turn and drives the thread until it finalizes or
// suspends for review. Validation, lease and state checks fail synchronously
// before a stream exists.
func (e *Engine) Advance(ctx context.Context, input AdvanceInput) (*stream.Stream, error) {
	if ctx == nil {
		return nil, ErrContextNil
	}
	if input.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}
	if strings.TrimSpace(input.Input) == "" {
		return nil, fmt.Errorf("%w: thread_id=%q", ErrInputRequired, input.ThreadID)
	}
	if input.Rewind < 0 {
		return nil, fmt.Errorf("%w: num_rewind=%d", ErrRewindOutOfRange, input.Rewind)
	}

	release, err := e.leases.acquire(ctx, input.ThreadID, e.cfg.LeaseWait)
	if err != nil {
		return nil, err
	}
	head, err := e.prepareTurn(ctx, input)
	if err != nil {
		release()
		return nil, err
	}
	return e.launch(ctx, head, release), nil
}

// Resume resolves the thread's pending interrupt and drives it onward.
func (e *Engine) Resume(ctx context.Context, threadID ThreadID, decision Decision) (*stream.Stream, error) {
	if ctx == nil {
		return nil, ErrContextNil
	}
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}

	release, err := e.leases.acquire(ctx, threadID, e.cfg.LeaseWait)
	if err != nil {
		return nil, err
	}
	_, head, err := e.interrupts.Resolve(ctx, threadID, decision)
	if err != nil {
		release()
		return nil, err
	}
	return e.launch(ctx, head, release), nil
}

// Continue drives a thread whose last drive stopped between nodes, e.g. after
// an upstream failure or a crash.
func (e *Engine) Continue(ctx context.Context, threadID ThreadID) (*stream.Stream, error) {
	if ctx == nil {
		return nil, ErrContextNil
	}
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}

	release, err := e.leases.acquire(ctx, threadID, e.cfg.LeaseWait)
	if err != nil {
		return nil, err
	}
	head, err := e.store.Latest(ctx, threadID)
	if err != nil {
		release()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: thread_id=%q", ErrNothingToContinue, threadID)
		}
		return nil, persistenceError("load latest checkpoint", err)
	}
	switch head.PendingNode {
	case NodeAwaitReview:
		release()
		return nil, fmt.Errorf("%w: thread_id=%q seq=%d", ErrInterruptPending, threadID, head.Seq)
	case NodeEnd:
		release()
		return nil, fmt.Errorf("%w: thread_id=%q seq=%d", ErrNothingToContinue, threadID, head.Seq)
	}
	return e.launch(ctx, head, release), nil
}

// AppendAssistant records an assistant message on an idle thread without
// running the graph.
func (e *Engine) AppendAssistant(ctx context.Context, threadID ThreadID, content string) (Checkpoint, error) {
	if ctx == nil {
		return Checkpoint{}, ErrContextNil
	}
	if threadID == "" {
		return Checkpoint{}, ErrThreadIDRequired
	}
	if strings.TrimSpace(content) == "" {
		return Checkpoint{}, fmt.Errorf("%w: thread_id=%q field=content", ErrInputRequired, threadID)
	}

	release, err := e.leases.acquire(ctx, threadID, e.cfg.LeaseWait)
	if err != nil {
		return Checkpoint{}, err
	}
	defer release()

	message := Message{Role: RoleAssistant, Content: content}
	latest, err := e.store.Latest(ctx, threadID)
	var next Checkpoint
	switch {
	case isNotFound(err):
		latest = Checkpoint{ThreadID: threadID, Seq: NoParent, PendingNode: NodeEnd}
		next = Checkpoint{
			ThreadID:    threadID,
			Seq:         0,
			Parent:      NoParent,
			Node:        NodeEnd,
			PendingNode: NodeEnd,
			Messages: []Message{
				{Role: RoleSystem, Content: e.prompter.SystemPrompt(ThreadContext{ThreadID: threadID})},
				message,
			},
			CreatedAt: e.now(),
		}
	case err != nil:
		return Checkpoint{}, persistenceError("load latest checkpoint", err)
	case latest.PendingNode == NodeAwaitReview:
		return Checkpoint{}, fmt.Errorf("%w: thread_id=%q seq=%d", ErrInterruptPending, threadID, latest.Seq)
	case latest.PendingNode != NodeEnd:
		return Checkpoint{}, fmt.Errorf("%w: thread_id=%q pending_node=%s", ErrTurnIncomplete, threadID, latest.PendingNode)
	default:
		next = successor(latest, e.now())
		next.PendingNode = NodeEnd
		next.Messages = append(next.Messages, message)
	}

	if err := appendCheckpoint(ctx, e.store, latest, next); err != nil {
		return Checkpoint{}, err
	}
	e.publishCommitted(ctx, next)
	return next, nil
}

// Wipe deletes every checkpoint of a thread. It waits for the thread lease so
// it never races an in-flight drive.
func (e *Engine) Wipe(ctx context.Context, threadID ThreadID) error {
	if ctx == nil {
		return ErrContextNil
	}
	if threadID == "" {
		return ErrThreadIDRequired
	}

	release, err := e.leases.acquire(ctx, threadID, e.cfg.LeaseWait)
	if err != nil {
		return err
	}
	defer release()

	if err := e.store.DeleteThread(ctx, threadID); err != nil {
		return persistenceError(fmt.Sprintf("delete thread thread_id=%q", threadID), err)
	}
	publishEvent(ctx, e.events, e.logger, Event{
		ThreadID: threadID,
		Seq:      NoParent,
		Type:     EventTypeThreadWiped,
	})
	return nil
}

// Latest returns the thread's newest checkpoint.
func (e *Engine) Latest(ctx context.Context, threadID ThreadID) (Checkpoint, error) {
	if threadID == "" {
		return Checkpoint{}, ErrThreadIDRequired
	}
	return e.store.Latest(ctx, threadID)
}

// History yields the thread's checkpoints newest first, including abandoned
// branches.
func (e *Engine) History(ctx context.Context, threadID ThreadID) iter.Seq2[Checkpoint, error] {
	return e.store.History(ctx, threadID)
}

// Close waits for in-flight drives to finish or ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) prepareTurn(ctx context.Context, input AdvanceInput) (Checkpoint, error) {
	latest, err := e.store.Latest(ctx, input.ThreadID)
	fresh := isNotFound(err)
	if err != nil && !fresh {
		return Checkpoint{}, persistenceError("load latest checkpoint", err)
	}

	if input.Rewind > 0 {
		if fresh {
			return Checkpoint{}, fmt.Errorf("%w: thread_id=%q num_rewind=%d turns=0", ErrRewindOutOfRange, input.ThreadID, input.Rewind)
		}
		base, hasBase, err := e.rewindBase(ctx, latest, input.Rewind)
		if err != nil {
			return Checkpoint{}, err
		}
		return e.commitStart(ctx, latest, base, hasBase, input)
	}
	if fresh {
		root := Checkpoint{ThreadID: input.ThreadID, Seq: NoParent, PendingNode: NodeEnd}
		return e.commitStart(ctx, root, Checkpoint{}, false, input)
	}

	switch latest.PendingNode {
	case NodeEnd:
		return e.commitStart(ctx, latest, latest, true, input)
	case NodeAwaitReview:
		return Checkpoint{}, fmt.Errorf("%w: thread_id=%q seq=%d", ErrInterruptPending, input.ThreadID, latest.Seq)
	default:
		// A turn that stopped between nodes resumes from its last checkpoint
		// when the caller repeats the turn's input.
		if user, ok := lastUserMessage(latest.Messages); ok && user.Content == input.Input {
			e.logger.InfoContext(ctx, "retrying turn from last checkpoint",
				slog.String("thread_id", string(input.ThreadID)),
				slog.Int64("seq", latest.Seq),
				slog.String("pending_node", string(latest.PendingNode)),
			)
			return latest, nil
		}
	}
	return Checkpoint{}, fmt.Errorf(
		"%w: thread_id=%q seq=%d pending_node=%s",
		ErrTurnIncomplete,
		input.ThreadID,
		latest.Seq,
		latest.PendingNode,
	)
}

// commitStart appends a Start checkpoint at latest.Seq+1 whose history is
// base's history plus the new user input.
func (e *Engine) commitStart(ctx context.Context, latest Checkpoint, base Checkpoint, hasBase bool, input AdvanceInput) (Checkpoint, error) {
	start := Checkpoint{
		ThreadID:    input.ThreadID,
		Seq:         latest.Seq + 1,
		Parent:      NoParent,
		Turn:        1,
		Node:        NodeStart,
		PendingNode: NodeReason,
		ReplySource: SourceChat,
		Fingerprint: input.Fingerprint,
		CreatedAt:   e.now(),
	}
	if hasBase {
		start.Parent = base.Seq
		start.Turn = base.Turn + 1
		start.Messages = CloneMessages(base.Messages)
		if start.Fingerprint == "" {
			start.Fingerprint = base.Fingerprint
		}
	}
	if len(start.Messages) == 0 {
		start.Messages = append(start.Messages, Message{
			Role:    RoleSystem,
			Content: e.prompter.SystemPrompt(start.ThreadContext()),
		})
	}
	start.Messages = append(start.Messages, Message{Role: RoleUser, Content: input.Input})

	if err := appendCheckpoint(ctx, e.store, latest, start); err != nil {
		return Checkpoint{}, err
	}
	e.publishCommitted(ctx, start)
	return start, nil
}

func (e *Engine) launch(ctx context.Context, head Checkpoint, release func()) *stream.Stream {
	emitter, s := stream.New(ctx, e.cfg.StreamBuffer)
	runCtx := context.WithoutCancel(ctx)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		// The lease is free by the time the stream closes.
		defer emitter.Close()
		defer release()
		e.drive(runCtx, head, emitter)
	}()
	return s
}

// drive runs nodes from head until the thread rests. Each node's output is
// committed before the next node starts.
func (e *Engine) drive(ctx context.Context, head Checkpoint, emitter *stream.Emitter) {
	for steps := 0; !head.PendingNode.resting(); steps++ {
		if steps >= e.cfg.MaxStepsPerTurn {
			e.fail(ctx, head, emitter, fmt.Errorf(
				"%w: thread_id=%q seq=%d max_steps=%d",
				ErrStepBudgetExceeded,
				head.ThreadID,
				head.Seq,
				e.cfg.MaxStepsPerTurn,
			))
			return
		}

		handler, ok := e.nodes[head.PendingNode]
		if !ok {
			e.fail(ctx, head, emitter, fmt.Errorf("%w: %s", ErrMissingNodeHandler, head.PendingNode))
			return
		}
		out, err := handler(ctx, head, emitter)
		if err != nil {
			e.fail(ctx, head, emitter, err)
			return
		}
		committed, err := e.commit(ctx, head, out.next)
		if err != nil {
			e.fail(ctx, head, emitter, err)
			return
		}
		if out.result != nil {
			e.publishToolExecuted(ctx, committed, *out.result)
			e.deliver(ctx, committed, emitter.ToolInvoked(toolInvocation(*head.PendingToolCall, *out.result)))
		}
		head = committed
	}

	switch head.PendingNode {
	case NodeEnd:
		reply := Reply{Source: SourceChat}
		if head.Reply != nil {
			reply = *cloneReply(head.Reply)
		}
		e.deliver(ctx, head, emitter.Done(stream.Reply{
			Source:     reply.Source,
			Content:    reply.Content,
			Chunks:     reply.Chunks,
			Attachment: reply.Attachment,
		}))
	case NodeAwaitReview:
		call := CloneToolCall(*head.PendingToolCall)
		e.deliver(ctx, head, emitter.Interrupt(stream.ToolInvocation{
			CallID:    call.ID,
			Name:      string(call.Name),
			Arguments: call.Arguments,
		}))
	}
}

func (e *Engine) commit(ctx context.Context, head Checkpoint, next Checkpoint) (Checkpoint, error) {
	if next.PendingNode == NodeAwaitReview {
		return e.interrupts.RequestReview(ctx, head, *head.PendingToolCall)
	}
	if err := appendCheckpoint(ctx, e.store, head, next); err != nil {
		return Checkpoint{}, err
	}
	e.publishCommitted(ctx, next)
	return next, nil
}

func (e *Engine) fail(ctx context.Context, head Checkpoint, emitter *stream.Emitter, err error) {
	retryable := Retryable(err)
	e.logger.WarnContext(ctx, "turn failed",
		slog.String("thread_id", string(head.ThreadID)),
		slog.Int64("seq", head.Seq),
		slog.String("pending_node", string(head.PendingNode)),
		slog.Bool("retryable", retryable),
		slog.Any("error", err),
	)
	publishEvent(ctx, e.events, e.logger, Event{
		ThreadID:    head.ThreadID,
		Seq:         head.Seq,
		Type:        EventTypeTurnFailed,
		Node:        head.Node,
		PendingNode: head.PendingNode,
		Description: err.Error(),
	})
	e.deliver(ctx, head, emitter.Fail(err, retryable))
}

// deliver logs the first send that finds the consumer gone. Execution keeps
// going; only delivery stops.
func (e *Engine) deliver(ctx context.Context, head Checkpoint, err error) {
	if errors.Is(err, stream.ErrConsumerGone) {
		e.logger.InfoContext(ctx, "stream consumer gone; continuing detached",
			slog.String("thread_id", string(head.ThreadID)),
			slog.Int64("seq", head.Seq),
		)
	}
}

func (e *Engine) publishCommitted(ctx context.Context, checkpoint Checkpoint) {
	publishEvent(ctx, e.events, e.logger, Event{
		ThreadID:    checkpoint.ThreadID,
		Seq:         checkpoint.Seq,
		Type:        EventTypeCheckpointCommitted,
		Node:        checkpoint.Node,
		PendingNode: checkpoint.PendingNode,
	})
}

func (e *Engine) publishToolExecuted(ctx context.Context, checkpoint Checkpoint, result ToolResult) {
	publishEvent(ctx, e.events, e.logger, Event{
		ThreadID:    checkpoint.ThreadID,
		Seq:         checkpoint.Seq,
		Type:        EventTypeToolExecuted,
		Node:        checkpoint.Node,
		PendingNode: checkpoint.PendingNode,
		ToolResult:  &result,
	})
}

func (e *Engine) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.UpstreamTimeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.UpstreamTimeout)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound)
}

func toolInvocation(call ToolCall, result ToolResult) stream.ToolInvocation {
	return stream.ToolInvocation{
		CallID:    call.ID,
		Name:      string(call.Name),
		Arguments: CloneToolCall(call).Arguments,
		Result:    result.Content,
		IsError:   result.IsError,
	}
}

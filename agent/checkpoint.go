package agent

import "time"

// ThreadID identifies one conversation. It is the caller's stable user key.
type ThreadID string

// NoParent marks the root checkpoint of a thread.
const NoParent int64 = -1

// Reply source values that are not tool names.
const (
	SourceChat = "chat"
	SourceRAG  = "rag"
)

// Reply is the finalized assistant output of a turn.
type Reply struct {
	Source     string   `json:"source"`
	Content    string   `json:"content"`
	Chunks     []string `json:"chunks,omitempty"`
	Attachment string   `json:"attachment,omitempty"`
}

// Checkpoint is an immutable snapshot committed after every node transition.
//
// Seq increases strictly by one per thread. Parent is the checkpoint this one
// was derived from: Seq-1 on the live lineage, an older sequence on the first
// checkpoint of a rewound branch, and NoParent for the root.
type Checkpoint struct {
	ThreadID ThreadID `json:"thread_id"`
	Seq      int64    `json:"seq"`
	Parent   int64    `json:"parent"`
	// Turn counts user turns on this checkpoint's lineage.
	Turn int `json:"turn"`

	Node        Node `json:"node"`
	PendingNode Node `json:"pending_node"`

	Messages        []Message         `json:"messages"`
	PendingToolCall *ToolCall         `json:"pending_tool_call,omitempty"`
	Retrieval       *RetrievalRequest `json:"retrieval,omitempty"`

	// ReplySource and Attachment describe which node shaped the current
	// turn's answer. They are reset on every Start.
	ReplySource string `json:"reply_source,omitempty"`
	Attachment  string `json:"attachment,omitempty"`
	Reply       *Reply `json:"reply,omitempty"`

	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PendingInterrupt is a suspended review-gated tool call.
type PendingInterrupt struct {
	ThreadID ThreadID `json:"thread_id"`
	Seq      int64    `json:"seq"`
	ToolCall ToolCall `json:"tool_call"`
}

// Decision is a reviewer's answer to a pending interrupt.
type Decision struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

// IsBranchStart reports whether the checkpoint starts a rewound branch.
func (c Checkpoint) IsBranchStart() bool {
	return c.Parent != NoParent && c.Parent != c.Seq-1
}

// Idle reports whether the thread is waiting for the next user input.
func (c Checkpoint) Idle() bool {
	return c.PendingNode == NodeEnd
}

// Interrupt returns the suspended call when the checkpoint awaits review.
func (c Checkpoint) Interrupt() (PendingInterrupt, bool) {
	if c.PendingNode != NodeAwaitReview || c.PendingToolCall == nil {
		return PendingInterrupt{}, false
	}
	return PendingInterrupt{
		ThreadID: c.ThreadID,
		Seq:      c.Seq,
		ToolCall: CloneToolCall(*c.PendingToolCall),
	}, true
}

// ThreadContext returns the identity-scoped values tools may read.
func (c Checkpoint) ThreadContext() ThreadContext {
	return ThreadContext{ThreadID: c.ThreadID, Fingerprint: c.Fingerprint}
}

// CloneCheckpoint returns a deep copy of a checkpoint.
func CloneCheckpoint(in Checkpoint) Checkpoint {
	out := in
	out.Messages = CloneMessages(in.Messages)
	out.PendingToolCall = cloneToolCallPtr(in.PendingToolCall)
	if in.Retrieval != nil {
		retrieval := *in.Retrieval
		out.Retrieval = &retrieval
	}
	out.Reply = cloneReply(in.Reply)
	return out
}

func cloneReply(in *Reply) *Reply {
	if in == nil {
		return nil
	}
	out := *in
	out.Chunks = append([]string(nil), in.Chunks...)
	return &out
}

// successor derives the next checkpoint on the same lineage. The caller sets
// PendingNode and any payload changes.
func successor(head Checkpoint, now time.Time) Checkpoint {
	next := CloneCheckpoint(head)
	next.Seq = head.Seq + 1
	next.Parent = head.Seq
	next.Node = head.PendingNode
	next.Reply = nil
	next.CreatedAt = now
	return next
}

// Package toolset implements the portfolio assistant's tools on top of the
// registry dispatcher.
package toolset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Gurpartap/agentgraph/agent"
	toolingregistry "github.com/Gurpartap/agentgraph/tooling/registry"
)

const (
	DefaultSuspension = 24 * time.Hour
	DefaultRecords    = 2
	MaxRecords        = 5
)

var (
	ErrFingerprintMissing = errors.New("visitor fingerprint is unavailable")
	ErrArgumentInvalid    = errors.New("tool arguments are invalid")
)

// feedbackNamespace scopes deterministic feedback ids.
var feedbackNamespace = uuid.MustParse("6f0b8e57-3c8e-4c55-9d5e-2a4b7b1f0c11")

// Config controls tool behavior.
type Config struct {
	Owner      string
	Bot        string
	Suspension time.Duration
	Now        func() time.Time
}

// Toolset binds handlers to their side-effect store.
type Toolset struct {
	store *Store
	cfg   Config
}

func New(store *Store, cfg Config) (*Toolset, error) {
	if store == nil {
		return nil, errors.New("new toolset: nil store")
	}
	if cfg.Suspension <= 0 {
		cfg.Suspension = DefaultSuspension
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		cfg.Owner = "the owner"
	}
	return &Toolset{store: store, cfg: cfg}, nil
}

// Descriptors lists every tool. provide_feedback is the only tool that waits
// for human review.
func (t *Toolset) Descriptors() []toolingregistry.Descriptor {
	return []toolingregistry.Descriptor{
		{
			Name:        agent.ToolSuspendUser,
			Description: "Suspend the current visitor from the website for 24 hours after inappropriate behaviour.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
			Handler: t.suspendUser,
		},
		{
			Name:        agent.ToolProvideFeedback,
			Description: fmt.Sprintf("Draft an email to %s carrying the visitor's feedback.", t.cfg.Owner),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"feedback": map[string]any{"type": "string"},
				},
				"required":             []any{"feedback"},
				"additionalProperties": false,
			},
			ReviewRequired: true,
			Handler:        t.provideFeedback,
		},
		{
			Name: agent.ToolGetSpecifics,
			Description: "Retrieve portfolio records about a project or section. k_records is 1 when the visitor " +
				"asks specifically for an overview or a solution, and 2 otherwise.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":     map[string]any{"type": "string"},
					"k_records": map[string]any{"type": "integer"},
				},
				"required":             []any{"query"},
				"additionalProperties": false,
			},
			Handler: t.getSpecifics,
		},
	}
}

func (t *Toolset) suspendUser(ctx context.Context, _ agent.ToolCall, thread agent.ThreadContext) (toolingregistry.Output, error) {
	if thread.Fingerprint == "" {
		return toolingregistry.Output{}, ErrFingerprintMissing
	}
	until := t.cfg.Now().Add(t.cfg.Suspension).UTC()
	if err := t.store.Suspend(ctx, thread.Fingerprint, until); err != nil {
		return toolingregistry.Output{}, err
	}
	return toolingregistry.Output{
		Content: fmt.Sprintf("User %s has been suspended until %s.", thread.Fingerprint, until.Format(time.RFC3339)),
	}, nil
}

func (t *Toolset) provideFeedback(ctx context.Context, call agent.ToolCall, thread agent.ThreadContext) (toolingregistry.Output, error) {
	if call.ID == "" {
		return toolingregistry.Output{}, fmt.Errorf("%w: call id is required", ErrArgumentInvalid)
	}
	body, err := stringArgument(call.Arguments, "feedback")
	if err != nil {
		return toolingregistry.Output{}, err
	}

	draft := t.draftEmail(body, thread)
	feedback := Feedback{
		ID:          FeedbackID(call.ID),
		ThreadID:    string(thread.ThreadID),
		Fingerprint: thread.Fingerprint,
		Body:        body,
		Draft:       draft,
		CreatedAt:   t.cfg.Now(),
	}
	if err := t.store.SaveFeedback(ctx, feedback); err != nil {
		return toolingregistry.Output{}, err
	}
	return toolingregistry.Output{
		Content:    fmt.Sprintf("Feedback drafted for %s:\n\n%s", t.cfg.Owner, draft),
		Attachment: draft,
	}, nil
}

// FeedbackID derives the feedback row id for a tool call, so a replayed call
// rewrites its own row.
func FeedbackID(callID string) string {
	return uuid.NewSHA1(feedbackNamespace, []byte(callID)).String()
}

func (t *Toolset) draftEmail(body string, thread agent.ThreadContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: Portfolio feedback\n\nHi %s,\n\n%s\n\n", t.cfg.Owner, body)
	sender := "a visitor"
	if thread.Fingerprint != "" {
		sender = "visitor " + thread.Fingerprint
	}
	if t.cfg.Bot != "" {
		fmt.Fprintf(&b, "Sent by %s via %s.", sender, t.cfg.Bot)
	} else {
		fmt.Fprintf(&b, "Sent by %s.", sender)
	}
	return b.String()
}

func (t *Toolset) getSpecifics(_ context.Context, call agent.ToolCall, _ agent.ThreadContext) (toolingregistry.Output, error) {
	query, err := stringArgument(call.Arguments, "query")
	if err != nil {
		return toolingregistry.Output{}, err
	}
	k, err := recordsArgument(call.Arguments)
	if err != nil {
		return toolingregistry.Output{}, err
	}
	return toolingregistry.Output{
		Content:    fmt.Sprintf("Retrieving %d record(s) for %q.", k, query),
		Enrichment: &agent.RetrievalRequest{Query: query, K: k},
	}, nil
}

func stringArgument(arguments map[string]any, key string) (string, error) {
	raw, ok := arguments[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrArgumentInvalid, key)
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrArgumentInvalid, key)
	}
	return strings.TrimSpace(value), nil
}

func recordsArgument(arguments map[string]any) (int, error) {
	raw, ok := arguments["k_records"]
	if !ok {
		return DefaultRecords, nil
	}
	value, ok := toolingregistry.AsFloat(raw)
	if !ok {
		return 0, fmt.Errorf("%w: k_records must be a number", ErrArgumentInvalid)
	}
	k := int(value)
	if float64(k) != value || k < 1 || k > MaxRecords {
		return 0, fmt.Errorf("%w: k_records must be an integer between 1 and %d", ErrArgumentInvalid, MaxRecords)
	}
	return k, nil
}

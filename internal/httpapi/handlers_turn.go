package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/stream"
)

type chatRequest struct {
	UserID      string `json:"user_id"`
	UserInput   string `json:"user_input"`
	Fingerprint string `json:"fingerprint"`
	NumRewind   int    `json:"num_rewind"`
	Stream      bool   `json:"stream"`
	// Accepted for older clients; the profile comes from config.
	Name        string `json:"name"`
	BotName     string `json:"bot_name"`
}

type resumeRequest struct {
	Action *bool  `json:"action"`
	UserID string `json:"user_id"`
	Note   string `json:"note"`
	Stream bool   `json:"stream"`
}

type continueRequest struct {
	UserID string `json:"user_id"`
	Stream bool   `json:"stream"`
}

func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRuntime(w) {
		return
	}

	var request chatRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}
	request.UserID = strings.TrimSpace(request.UserID)
	request.Fingerprint = strings.TrimSpace(request.Fingerprint)
	if request.UserID == "" {
		writeMappedError(w, invalidRequestError("user_id is required"))
		return
	}
	if request.Fingerprint == "" {
		writeMappedError(w, invalidRequestError("fingerprint is required"))
		return
	}
	if request.NumRewind < 0 {
		writeMappedError(w, invalidRequestError("num_rewind must be >= 0"))
		return
	}
	w.Header().Set(ThreadHeader, request.UserID)

	suspended, err := h.runtime.Suspended(r.Context(), request.Fingerprint)
	if err != nil {
		writeMappedError(w, fmt.Errorf("%w: check visitor suspension: %w", agent.ErrPersistence, err))
		return
	}
	if suspended {
		writeMappedError(w, errSuspended)
		return
	}

	events, err := h.runtime.Engine.Advance(r.Context(), agent.AdvanceInput{
		ThreadID:    agent.ThreadID(request.UserID),
		Fingerprint: request.Fingerprint,
		Input:       request.UserInput,
		Rewind:      request.NumRewind,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	respond(w, r, events, request.Stream)
}

func (h *handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRuntime(w) {
		return
	}

	var request resumeRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}
	request.UserID = strings.TrimSpace(request.UserID)
	if request.UserID == "" {
		writeMappedError(w, invalidRequestError("user_id is required"))
		return
	}
	if request.Action == nil {
		writeMappedError(w, invalidRequestError("action is required"))
		return
	}
	w.Header().Set(ThreadHeader, request.UserID)

	events, err := h.runtime.Engine.Resume(r.Context(), agent.ThreadID(request.UserID), agent.Decision{
		Approved: *request.Action,
		Note:     strings.TrimSpace(request.Note),
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	respond(w, r, events, request.Stream)
}

func (h *handlers) handleContinue(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRuntime(w) {
		return
	}

	var request continueRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeMappedError(w, err)
		return
	}
	request.UserID = strings.TrimSpace(request.UserID)
	if request.UserID == "" {
		writeMappedError(w, invalidRequestError("user_id is required"))
		return
	}
	w.Header().Set(ThreadHeader, request.UserID)

	events, err := h.runtime.Engine.Continue(r.Context(), agent.ThreadID(request.UserID))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	respond(w, r, events, request.Stream)
}

func respond(w http.ResponseWriter, r *http.Request, events *stream.Stream, streaming bool) {
	if streaming || acceptsEventStream(r) {
		writeEventStream(w, r.Context(), events)
		return
	}
	writeCollected(w, r.Context(), events)
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// turnResponse is the JSON-mode body of /chat, /resume and /continue.
type turnResponse struct {
	Response  string   `json:"response"`
	OtherName *string  `json:"other_name"`
	OtherMsg  *string  `json:"other_msg"`
	Chunks    []string `json:"chunks,omitempty"`
}

func writeCollected(w http.ResponseWriter, ctx context.Context, events *stream.Stream) {
	result, err := events.Collect(ctx)
	if err != nil {
		return
	}

	terminal := result.Terminal
	switch terminal.Kind {
	case stream.KindInterruptRequested:
		writeJSON(w, http.StatusOK, turnResponse{
			Response:  result.Content,
			OtherName: pointer(otherNameInterrupt),
		})
	case stream.KindDone:
		response := turnResponse{Response: result.Content}
		if reply := terminal.Reply; reply != nil {
			response.Response = reply.Content
			response.Chunks = reply.Chunks
			if reply.Source != "" && reply.Source != agent.SourceChat {
				response.OtherName = pointer(reply.Source)
			}
			if reply.Attachment != "" {
				response.OtherMsg = pointer(reply.Attachment)
			}
		}
		writeJSON(w, http.StatusOK, response)
	default:
		status := http.StatusInternalServerError
		if terminal.Retryable {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, apiErrorResponse{
			Error: apiError{
				Code:      errorCodeTurnFailed,
				Message:   terminal.Error,
				Retryable: terminal.Retryable,
			},
		})
	}
}

func pointer(value string) *string {
	return &value
}

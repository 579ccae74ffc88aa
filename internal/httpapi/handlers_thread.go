package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gurpartap/agentgraph/agent"
)

type wipeRequest struct {
	UserID string `json:"user_id"`
}

type wipeResponse struct {
	Response bool `json:"response"`
}

type addAssistantMessageRequest struct {
	UserID string `json:"user_id"`
	AIMsg  string `json:"ai_msg"`
}

type addAssistantMessageResponse struct {
	Response string `json:"response"`
	Seq      int64  `json:"seq"`
}

type historyResponse struct {
	ThreadID    string              `json:"thread_id"`
	Checkpoints []checkpointSummary `json:"checkpoints"`
}

type checkpointSummary struct {
	Seq             int64           `json:"seq"`
	Parent          int64           `json:"parent"`
	Turn            int             `json:"turn"`
	Node            agent.Node      `json:"node"`
	PendingNode     agent.Node      `json:"pending_node"`
	Messages        int             `json:"messages"`
	LastRole        agent.Role      `json:"last_role,omitempty"`
	LastMessage     string          `json:"last_message,omitempty"`
	PendingToolCall *agent.ToolCall `json:"pending_tool_call,omitempty"`
	ReplySource     string          `json:"reply_source,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// handleWipe answers false instead of failing when the store rolls the
// deletion back; the thread is then unchanged and the call may be repeated.
func (h *handlers) handleWipe(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRuntime(w) {
		return
	}

	var request wipeRequest
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

	err := h.runtime.Engine.Wipe(r.Context(), agent.ThreadID(request.UserID))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, wipeResponse{Response: true})
	case errors.Is(err, agent.ErrPersistence):
		writeJSON(w, http.StatusOK, wipeResponse{Response: false})
	default:
		writeMappedError(w, err)
	}
}

func (h *handlers) handleAddAssistantMessage(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRuntime(w) {
		return
	}

	var request addAssistantMessageRequest
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

	checkpoint, err := h.runtime.Engine.AppendAssistant(r.Context(), agent.ThreadID(request.UserID), request.AIMsg)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addAssistantMessageResponse{
		Response: "Successfully added ai message",
		Seq:      checkpoint.Seq,
	})
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !h.ensureRuntime(w) {
		return
	}

	threadID := strings.TrimSpace(r.PathValue("user_id"))
	if threadID == "" {
		writeMappedError(w, invalidRequestError("user_id is required"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	w.Header().Set(ThreadHeader, threadID)

	if _, err := h.runtime.Engine.Latest(r.Context(), agent.ThreadID(threadID)); err != nil {
		writeMappedError(w, err)
		return
	}

	response := historyResponse{ThreadID: threadID, Checkpoints: make([]checkpointSummary, 0, limit)}
	for checkpoint, err := range h.runtime.Engine.History(r.Context(), agent.ThreadID(threadID)) {
		if err != nil {
			writeMappedError(w, err)
			return
		}
		response.Checkpoints = append(response.Checkpoints, summarize(checkpoint))
		if len(response.Checkpoints) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, invalidRequestError("limit must be a positive integer")
	}
	return min(limit, MaxHistoryLimit), nil
}

func summarize(checkpoint agent.Checkpoint) checkpointSummary {
	summary := checkpointSummary{
		Seq:             checkpoint.Seq,
		Parent:          checkpoint.Parent,
		Turn:            checkpoint.Turn,
		Node:            checkpoint.Node,
		PendingNode:     checkpoint.PendingNode,
		Messages:        len(checkpoint.Messages),
		PendingToolCall: checkpoint.PendingToolCall,
		ReplySource:     checkpoint.ReplySource,
		CreatedAt:       checkpoint.CreatedAt,
	}
	if n := len(checkpoint.Messages); n > 0 {
		last := checkpoint.Messages[n-1]
		summary.LastRole = last.Role
		summary.LastMessage = last.Content
	}
	return summary
}

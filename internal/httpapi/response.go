package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Gurpartap/agentgraph/agent"
)

const (
	errorCodeInvalidRequest     = "invalid_request"
	errorCodeNoPendingInterrupt = "no_pending_interrupt"
	errorCodeSuspended          = "suspended"
	errorCodeNotFound           = "not_found"
	errorCodeConflict           = "conflict"
	errorCodeUpstream           = "upstream_error"
	errorCodePersistence        = "persistence_error"
	errorCodeTooLarge           = "request_too_large"
	errorCodeTurnFailed         = "turn_failed"
	errorCodeRuntime            = "runtime_error"
)

var (
	errInvalidRequest  = errors.New("invalid request")
	errRequestTooLarge = errors.New("request body too large")
	errSuspended       = errors.New("visitor is suspended")
)

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapRuntimeError(err)
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:      code,
			Message:   err.Error(),
			Retryable: agent.Retryable(err),
		},
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequestError("request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("%w: request body exceeds %d bytes", errRequestTooLarge, maxBytesErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return invalidRequestError("request body is required")
		}
		return invalidRequestError(fmt.Sprintf("invalid JSON body: %v", err))
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidRequestError("request body must contain exactly one JSON object")
	}

	return nil
}

// mapRuntimeError orders checks from the most to the least specific class:
// ErrNoPendingInterrupt is also a concurrency violation but answers 400.
func mapRuntimeError(err error) (int, string) {
	switch {
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge, errorCodeTooLarge
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorCodeInvalidRequest
	case errors.Is(err, errSuspended):
		return http.StatusForbidden, errorCodeSuspended
	case errors.Is(err, agent.ErrNoPendingInterrupt):
		return http.StatusBadRequest, errorCodeNoPendingInterrupt
	case errors.Is(err, agent.ErrThreadNotFound):
		return http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, agent.ErrValidation):
		return http.StatusBadRequest, errorCodeInvalidRequest
	case errors.Is(err, agent.ErrConcurrencyViolation):
		return http.StatusConflict, errorCodeConflict
	case errors.Is(err, agent.ErrUpstreamProvider):
		return http.StatusBadGateway, errorCodeUpstream
	case errors.Is(err, agent.ErrPersistence):
		return http.StatusServiceUnavailable, errorCodePersistence
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorCodeUpstream
	default:
		return http.StatusInternalServerError, errorCodeRuntime
	}
}

func invalidRequestError(message string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, message)
}

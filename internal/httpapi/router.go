package httpapi

import (
	"net/http"

	"github.com/Gurpartap/agentgraph/internal/runtimewire"
)

const (
	DefaultMaxRequestBodyBytes = 1 << 20
	DefaultHistoryLimit        = 20
	MaxHistoryLimit            = 200
)

// ThreadHeader carries the thread a request acted on, for request logging.
const ThreadHeader = "X-Thread-ID"

type PolicyConfig struct {
	MaxRequestBodyBytes int64
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{MaxRequestBodyBytes: DefaultMaxRequestBodyBytes}
}

func normalizePolicyConfig(input PolicyConfig) PolicyConfig {
	if input.MaxRequestBodyBytes <= 0 {
		input.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	return input
}

type handlers struct {
	runtime *runtimewire.Runtime
	policy  PolicyConfig
}

func NewRouter(runtime *runtimewire.Runtime, policy ...PolicyConfig) http.Handler {
	normalized := DefaultPolicyConfig()
	if len(policy) > 0 {
		normalized = normalizePolicyConfig(policy[0])
	}

	h := &handlers{
		runtime: runtime,
		policy:  normalized,
	}
	limitBody := bodyLimit(normalized.MaxRequestBodyBytes)

	mux := http.NewServeMux()
	mux.Handle("POST /chat", limitBody(http.HandlerFunc(h.handleChat)))
	mux.Handle("POST /resume", limitBody(http.HandlerFunc(h.handleResume)))
	mux.Handle("POST /continue", limitBody(http.HandlerFunc(h.handleContinue)))
	mux.Handle("POST /wipe", limitBody(http.HandlerFunc(h.handleWipe)))
	mux.Handle("POST /add_ai_msg", limitBody(http.HandlerFunc(h.handleAddAssistantMessage)))
	mux.HandleFunc("GET /threads/{user_id}/history", h.handleHistory)
	return mux
}

func bodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handlers) ensureRuntime(w http.ResponseWriter) bool {
	if h.runtime == nil || h.runtime.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, errorCodeRuntime, "runtime is not initialized")
		return false
	}
	return true
}

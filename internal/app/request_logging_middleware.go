package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Gurpartap/agentgraph/internal/httpapi"
)

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logWriter := &statusCapturingWriter{ResponseWriter: w}

			next.ServeHTTP(logWriter, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", logWriter.statusCode()),
				slog.Int("bytes", logWriter.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if threadID := logWriter.Header().Get(httpapi.ThreadHeader); threadID != "" {
				attrs = append(attrs, slog.String("thread_id", threadID))
			}

			level := slog.LevelInfo
			if logWriter.statusCode() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *statusCapturingWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusCapturingWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

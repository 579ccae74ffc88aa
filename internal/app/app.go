package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/Gurpartap/agentgraph/internal/config"
	"github.com/Gurpartap/agentgraph/internal/httpapi"
	"github.com/Gurpartap/agentgraph/internal/runtimewire"
)

// App owns runtime wiring and HTTP server lifecycle.
type App struct {
	cfg               config.Config
	logger            *slog.Logger
	runtime           *runtimewire.Runtime
	server            *http.Server
	cancelServerScope context.CancelFunc
	ready             atomic.Bool
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if cfg.HTTPAddr == "" {
		return nil, errors.New("new app: empty HTTPAddr")
	}
	if logger == nil {
		return nil, errors.New("new app: nil logger")
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, errors.New("new app: shutdown timeout must be > 0")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new app config: %w", err)
	}

	runtime, err := runtimewire.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("new app runtime: %w", err)
	}

	serverScopeCtx, cancelServerScope := context.WithCancel(context.Background())
	a := &App{
		cfg:               cfg,
		logger:            logger,
		runtime:           runtime,
		cancelServerScope: cancelServerScope,
	}

	apiRouter := httpapi.NewRouter(runtime)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/", apiRouter)
	handler := requestLoggingMiddleware(logger)(corsMiddleware(cfg.CORSOrigins)(mux))
	a.server = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return serverScopeCtx
		},
	}

	return a, nil
}

// Handler exposes the composed handler chain.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Runtime exposes the runtime graph for operational commands.
func (a *App) Runtime() *runtimewire.Runtime {
	return a.runtime
}

func (a *App) Start() error {
	a.ready.Store(true)
	a.logger.Info("http server listening", slog.String("addr", a.cfg.HTTPAddr))

	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	a.ready.Store(false)
	return err
}

// Shutdown stops accepting requests, ends open streams, waits for in-flight
// turns to commit and closes the runtime. Every wait is bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return errors.New("shutdown: nil context")
	}
	a.ready.Store(false)
	a.cancelServerScope()

	serverErr := a.server.Shutdown(ctx)
	if errors.Is(serverErr, context.DeadlineExceeded) {
		a.logger.Warn("graceful shutdown timed out; forcing connection close")
		if closeErr := a.server.Close(); closeErr != nil {
			serverErr = fmt.Errorf("shutdown timeout and forced close failed: %w", errors.Join(serverErr, closeErr))
		} else {
			serverErr = nil
		}
	}

	runtimeErr := a.runtime.Close(ctx)
	if runtimeErr != nil {
		runtimeErr = fmt.Errorf("close runtime: %w", runtimeErr)
	}
	return errors.Join(serverErr, runtimeErr)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writePlain(w, http.StatusOK, "ok")
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !a.ready.Load() || a.runtime == nil {
		writePlain(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writePlain(w, http.StatusOK, "ready")
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

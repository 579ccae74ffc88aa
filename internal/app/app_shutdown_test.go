package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gurpartap/agentgraph/internal/config"
)

func TestShutdownWithoutActiveStreamIsGraceful(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.HTTPAddr = pickLocalAddr(t)
	cfg.ShutdownTimeout = 2 * time.Second

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, nil))
	application, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- application.Start()
	}()

	baseURL := "http://" + cfg.HTTPAddr
	waitForHealthz(t, baseURL)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown app: %v", err)
	}

	select {
	case err := <-serverErrCh:
		if err != nil {
			t.Fatalf("server exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server exit")
	}

	if strings.Contains(logBuffer.String(), "graceful shutdown timed out; forcing connection close") {
		t.Fatalf("expected graceful shutdown path without forced close warning, got: %s", logBuffer.String())
	}
}

func TestShutdownAfterStreamedTurn(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.HTTPAddr = pickLocalAddr(t)
	cfg.ShutdownTimeout = 2 * time.Second

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, nil))
	application, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- application.Start()
	}()

	baseURL := "http://" + cfg.HTTPAddr
	waitForHealthz(t, baseURL)

	payload, err := json.Marshal(map[string]any{
		"user_id":     "visitor-1",
		"user_input":  "hello there",
		"fingerprint": "fp-1",
		"stream":      true,
	})
	if err != nil {
		t.Fatalf("marshal chat payload: %v", err)
	}
	resp, err := http.Post(baseURL+"/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("chat request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("chat status mismatch: got=%d want=%d body=%s", resp.StatusCode, http.StatusOK, string(body))
	}

	sawDone := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), `"other_name":"done"`) {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatalf("expected done line in event stream")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown app: %v", err)
	}

	select {
	case err := <-serverErrCh:
		if err != nil {
			t.Fatalf("server exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server exit")
	}

	if !strings.Contains(logBuffer.String(), "thread_id=visitor-1") {
		t.Fatalf("expected request log with thread id, got: %s", logBuffer.String())
	}
}

func TestShutdownBoundsInFlightTurnDrain(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	t.Cleanup(provider.Close)
	t.Cleanup(func() { close(release) })

	cfg := config.Default()
	cfg.HTTPAddr = pickLocalAddr(t)
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.ModelMode = config.ModelModeProvider
	cfg.ProviderAPIKey = "test-key"
	cfg.ProviderModel = "gpt-4o-mini"
	cfg.ProviderBaseURL = provider.URL
	cfg.ProviderTimeout = time.Minute
	cfg.UpstreamTimeout = time.Minute

	application, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- application.Start()
	}()

	baseURL := "http://" + cfg.HTTPAddr
	waitForHealthz(t, baseURL)

	go func() {
		body := `{"user_id":"visitor-2","user_input":"hello","fingerprint":"fp-2"}`
		resp, err := http.Post(baseURL+"/chat", "application/json", strings.NewReader(body))
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn never reached the provider")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	began := time.Now()
	err = application.Shutdown(shutdownCtx)
	if elapsed := time.Since(began); elapsed > 2*time.Second {
		t.Fatalf("shutdown overran its deadline: %s", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for the undrained turn, got: %v", err)
	}

	select {
	case err := <-serverErrCh:
		if err != nil {
			t.Fatalf("server exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server exit")
	}
}

func waitForHealthz(t *testing.T, baseURL string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new healthz request: %v", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}

		if time.Now().After(deadline) {
			t.Fatalf("healthz did not become ready before deadline")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func pickLocalAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for local addr: %v", err)
	}
	defer listener.Close()

	return listener.Addr().String()
}

package sidecar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

// fakeSink records every callback invocation, standing in for the real
// Dispatcher so the sidecar Runner can be exercised without the rest of the
// core.
type fakeSink struct {
	mu sync.Mutex

	headers  []runner.Header
	outputs  []string
	errors   []string
	exits    []int
	awaiting int

	permissionResult session.PermissionResult
}

func (f *fakeSink) OnHeader(ctx context.Context, sessionID string, h runner.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, h)
}
func (f *fakeSink) OnOutput(ctx context.Context, sessionID, stream, text string, kind runner.OutputKind, final bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, text)
}
func (f *fakeSink) OnMetadata(ctx context.Context, sessionID string, data map[string]interface{}) {}
func (f *fakeSink) OnHeartbeat(ctx context.Context, sessionID string, elapsedSeconds float64, done bool) {
}
func (f *fakeSink) OnPermissionRequest(ctx context.Context, sessionID string, req runner.PermissionRequest) <-chan session.PermissionResult {
	ch := make(chan session.PermissionResult, 1)
	f.mu.Lock()
	result := f.permissionResult
	f.mu.Unlock()
	ch <- result
	close(ch)
	return ch
}
func (f *fakeSink) OnPermissionResolved(ctx context.Context, sessionID, requestID, resolvedBy string, allowed bool, message string) {
}
func (f *fakeSink) OnError(ctx context.Context, sessionID, code, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, code)
}
func (f *fakeSink) OnExit(ctx context.Context, sessionID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, exitCode)
}
func (f *fakeSink) OnAwaitingInput(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaiting++
}

type fakeRuntimeAccessor struct {
	mu            sync.Mutex
	enqueued      []string
	stopRequested map[string]bool
}

func newFakeRuntimeAccessor() *fakeRuntimeAccessor {
	return &fakeRuntimeAccessor{stopRequested: make(map[string]bool)}
}
func (f *fakeRuntimeAccessor) EnqueueInput(sessionID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, text)
}
func (f *fakeRuntimeAccessor) DequeueInput(sessionID string) (string, bool) { return "", false }
func (f *fakeRuntimeAccessor) HasPendingInput(sessionID string) bool       { return false }
func (f *fakeRuntimeAccessor) SetStopRequested(sessionID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopRequested[sessionID] = v
}
func (f *fakeRuntimeAccessor) IsStopRequested(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopRequested[sessionID]
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestRunner_StartPostsToSidecarAndOpensEventStream(t *testing.T) {
	var gotStartBody bool
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/sess_1/start", func(w http.ResponseWriter, r *http.Request) {
		gotStartBody = r.Method == http.MethodPost
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sessions/sess_1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"header\",\"title\":\"t\",\"runner_session_id\":\"rsid-1\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := &fakeSink{}
	factory := NewRunner(srv.URL, srv.Client(), testLogger(t))
	r := factory(sink, newFakeRuntimeAccessor())

	if err := r.Start(context.Background(), "sess_1", "/work", "", "hello", session.ApprovalInteractive); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !gotStartBody {
		t.Fatal("expected a POST to /sessions/sess_1/start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.headers)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.headers) != 1 || sink.headers[0].RunnerSessionID != "rsid-1" {
		t.Fatalf("expected one header event with rsid-1, got %+v", sink.headers)
	}
}

func TestRunner_SendInputQueuesWhenSessionNotStarted(t *testing.T) {
	sink := &fakeSink{}
	rt := newFakeRuntimeAccessor()
	factory := NewRunner("http://127.0.0.1:0", http.DefaultClient, testLogger(t))
	r := factory(sink, rt)

	if err := r.SendInput(context.Background(), "sess_unknown", "hi"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.enqueued) != 1 || rt.enqueued[0] != "hi" {
		t.Fatalf("expected input queued locally, got %v", rt.enqueued)
	}
}

func TestRunner_StopPostsAndReportsExit(t *testing.T) {
	var stopped bool
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/sess_1/stop", func(w http.ResponseWriter, r *http.Request) {
		stopped = true
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := &fakeSink{}
	rt := newFakeRuntimeAccessor()
	factory := NewRunner(srv.URL, srv.Client(), testLogger(t))
	r := factory(sink, rt)

	if err := r.Stop(context.Background(), "sess_1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped {
		t.Fatal("expected a POST to /sessions/sess_1/stop")
	}
	if !rt.IsStopRequested("sess_1") {
		t.Fatal("expected stop_requested latch to be set")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.exits) != 1 || sink.exits[0] != 0 {
		t.Fatalf("expected a zero-code exit reported, got %v", sink.exits)
	}
}

func TestRunner_PostNonSuccessStatusReturnsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/sess_1/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := &fakeSink{}
	factory := NewRunner(srv.URL, srv.Client(), testLogger(t))
	r := factory(sink, newFakeRuntimeAccessor())

	if err := r.Start(context.Background(), "sess_1", "/work", "", "hi", session.ApprovalInteractive); err == nil {
		t.Fatal("expected an error for a non-2xx start response")
	}
}

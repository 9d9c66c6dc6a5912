package pty

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/runner/executor"
	"github.com/kandev/relay/internal/session"
)

type noopSink struct{}

func (noopSink) OnHeader(ctx context.Context, sessionID string, h runner.Header) {}
func (noopSink) OnOutput(ctx context.Context, sessionID, stream, text string, kind runner.OutputKind, final bool) {
}
func (noopSink) OnMetadata(ctx context.Context, sessionID string, data map[string]interface{}) {}
func (noopSink) OnHeartbeat(ctx context.Context, sessionID string, elapsedSeconds float64, done bool) {
}
func (noopSink) OnPermissionRequest(ctx context.Context, sessionID string, req runner.PermissionRequest) <-chan session.PermissionResult {
	ch := make(chan session.PermissionResult)
	close(ch)
	return ch
}
func (noopSink) OnPermissionResolved(ctx context.Context, sessionID, requestID, resolvedBy string, allowed bool, message string) {
}
func (noopSink) OnError(ctx context.Context, sessionID, code, message string) {}
func (noopSink) OnExit(ctx context.Context, sessionID string, exitCode int)   {}
func (noopSink) OnAwaitingInput(ctx context.Context, sessionID string)        {}

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

func TestNewRunner_RejectsInvalidPromptPattern(t *testing.T) {
	if _, err := NewRunner([]string{"claude"}, nil, `(unterminated`, 5*time.Second, testLogger(t)); err == nil {
		t.Fatal("expected an error for an invalid prompt regex")
	}
}

func TestNewRunner_AcceptsEmptyPromptPattern(t *testing.T) {
	if _, err := NewRunner([]string{"claude"}, nil, "", 5*time.Second, testLogger(t)); err != nil {
		t.Fatalf("expected no error with an empty prompt pattern, got %v", err)
	}
}

func TestStart_RejectsNonBypassApprovalMode(t *testing.T) {
	factory, err := NewRunner([]string{"claude"}, executor.NewLocalExecutor(testLogger(t)), "", 5*time.Second, testLogger(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r := factory(noopSink{}, newFakeRuntimeAccessor())

	err = r.Start(context.Background(), "sess_1", "/work", "", "hi", session.ApprovalInteractive)
	if err != ErrInteractiveApprovalUnsupported {
		t.Fatalf("expected ErrInteractiveApprovalUnsupported, got %v", err)
	}
}

func TestUpdatePermissionMode_RejectsNonBypass(t *testing.T) {
	factory, _ := NewRunner([]string{"claude"}, nil, "", 5*time.Second, testLogger(t))
	r := factory(noopSink{}, newFakeRuntimeAccessor())

	if err := r.UpdatePermissionMode(context.Background(), "sess_1", session.ApprovalAcceptEdits); err != ErrInteractiveApprovalUnsupported {
		t.Fatalf("expected ErrInteractiveApprovalUnsupported, got %v", err)
	}
	if err := r.UpdatePermissionMode(context.Background(), "sess_1", session.ApprovalBypass); err != nil {
		t.Fatalf("expected bypass to be accepted, got %v", err)
	}
}

func TestSendInput_WithNoTurnInFlightQueuesLocally(t *testing.T) {
	rt := newFakeRuntimeAccessor()
	factory, _ := NewRunner([]string{"claude"}, nil, "", 5*time.Second, testLogger(t))
	r := factory(noopSink{}, rt)

	if err := r.SendInput(context.Background(), "sess_1", "hi"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.enqueued) != 1 || rt.enqueued[0] != "hi" {
		t.Fatalf("expected input queued, got %v", rt.enqueued)
	}
}

func TestStop_WithNoTurnInFlightIsNoop(t *testing.T) {
	rt := newFakeRuntimeAccessor()
	factory, _ := NewRunner([]string{"claude"}, nil, "", 5*time.Second, testLogger(t))
	r := factory(noopSink{}, rt)

	if err := r.Stop(context.Background(), "sess_unknown"); err != nil {
		t.Fatalf("expected Stop on untracked session to be a no-op, got %v", err)
	}
	if !rt.IsStopRequested("sess_unknown") {
		t.Fatal("expected stop_requested latch set")
	}
}

type fakePTYProcess struct {
	exitCode int
}

func (p *fakePTYProcess) Read(b []byte) (int, error)             { return 0, io.EOF }
func (p *fakePTYProcess) Write(b []byte) (int, error)            { return len(b), nil }
func (p *fakePTYProcess) Close() error                           { return nil }
func (p *fakePTYProcess) Resize(cols, rows uint16) error         { return nil }
func (p *fakePTYProcess) Wait(ctx context.Context) (int, error)  { return p.exitCode, nil }
func (p *fakePTYProcess) Kill() error                            { return nil }

// exitRecordingSink wraps noopSink to capture the exitCode OnExit was given
// and whether stop_requested was still true at the moment OnExit fired —
// the invariant wait must preserve so Dispatcher.OnExit (not the runner)
// makes the INTERRUPTING->AWAITING_INPUT-vs-ERROR call.
type exitRecordingSink struct {
	noopSink
	rt runner.RuntimeAccessor

	called              bool
	exitCode            int
	stopRequestedAtExit bool
}

func (s *exitRecordingSink) OnExit(ctx context.Context, sessionID string, exitCode int) {
	s.called = true
	s.exitCode = exitCode
	s.stopRequestedAtExit = s.rt.IsStopRequested(sessionID)
}

func TestWait_PreservesStopRequestedForDispatcher(t *testing.T) {
	rt := newFakeRuntimeAccessor()
	sink := &exitRecordingSink{rt: rt}
	factory, _ := NewRunner([]string{"claude"}, nil, "", 5*time.Second, testLogger(t))
	r := factory(sink, rt).(*Runner)

	sessionID := "sess_1"
	rt.SetStopRequested(sessionID, true)

	tn := &turn{proc: &fakePTYProcess{exitCode: 137}}
	r.mu.Lock()
	r.sessions[sessionID] = tn
	r.mu.Unlock()

	r.wait(sessionID, tn)

	if !sink.called {
		t.Fatal("expected OnExit to be called")
	}
	if sink.exitCode != 137 {
		t.Fatalf("expected exit code 137 to reach the sink unchanged, got %d", sink.exitCode)
	}
	if !sink.stopRequestedAtExit {
		t.Fatal("expected stop_requested to still be true inside OnExit; wait must not clear it itself")
	}
}

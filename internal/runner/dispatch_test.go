package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/session"
)

type memPersister struct {
	mu   sync.Mutex
	rows map[string]*session.Session
}

func newMemPersister() *memPersister { return &memPersister{rows: make(map[string]*session.Session)} }

func (p *memPersister) Insert(s *session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[s.ID] = s.Clone()
	return nil
}
func (p *memPersister) Update(s *session.Session) error { return p.Insert(s) }
func (p *memPersister) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, id)
	return nil
}
func (p *memPersister) Load() ([]*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session.Session, 0, len(p.rows))
	for _, s := range p.rows {
		out = append(out, s.Clone())
	}
	return out, nil
}

// fakeRunner is a test double recording calls made to it, with injectable
// failures, standing in for a real acp/pty/copilot/sidecar/llmapi variant.
type fakeRunner struct {
	mu sync.Mutex

	startErr error
	sendErr  error

	starts  int
	sends   []string
	stops   int
	headers []session.ApprovalMode
}

func (f *fakeRunner) Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeRunner) SendInput(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return f.sendErr
}

func (f *fakeRunner) Stop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRunner) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, mode)
	return nil
}

type testStack struct {
	dispatcher *Dispatcher
	store      *session.Store
	pipeline   *events.Pipeline
	runner     *fakeRunner
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store := session.NewStore(newMemPersister(), log, 8)
	pipeline := events.NewPipeline(store, bus.NewMemoryBus(log), log, config.JournalConfig{
		DataDir: t.TempDir(), RotateBytes: 1 << 20, SubscriberQueue: 8,
	})

	fr := &fakeRunner{}
	registry := Registry{"test-adapter": func(sink Sink, rt RuntimeAccessor) Runner { return fr }}

	d := NewDispatcher(store, pipeline, registry, log, config.RunnerConfig{
		PermissionTimeout: 50 * time.Millisecond,
		StopGracePeriod:   time.Second,
	})

	return &testStack{dispatcher: d, store: store, pipeline: pipeline, runner: fr}
}

func TestStart_TransitionsCreatedToRunningAndCallsRunner(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")

	if err := ts.dispatcher.Start(context.Background(), s.ID, "do the thing", session.ApprovalInteractive); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateRunning {
		t.Fatalf("expected RUNNING, got %s", got.State)
	}
	if ts.runner.starts != 1 {
		t.Fatalf("expected runner.Start called once, got %d", ts.runner.starts)
	}
}

func TestStart_RefusesEmptyDirectory(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("", "test-adapter", "cli")

	if err := ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive); err != session.ErrDirectoryRequired {
		t.Fatalf("expected ErrDirectoryRequired, got %v", err)
	}
}

func TestStart_RefusesFromRunningState(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	if err := ts.dispatcher.Start(context.Background(), s.ID, "again", session.ApprovalInteractive); err != session.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStart_RunnerFailureMovesSessionToError(t *testing.T) {
	ts := newTestStack(t)
	ts.runner.startErr = context.DeadlineExceeded
	s, _ := ts.store.Create("/work", "test-adapter", "cli")

	if err := ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive); err == nil {
		t.Fatal("expected Start to propagate runner error")
	}

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateError {
		t.Fatalf("expected ERROR after runner failure, got %s", got.State)
	}
}

func TestStart_UnknownAdapterMarksErrorAndReturnsUnavailable(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "no-such-adapter", "cli")

	err := ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)
	if err == nil {
		t.Fatal("expected an error for an unregistered adapter")
	}

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateError {
		t.Fatalf("expected ERROR, got %s", got.State)
	}
}

func TestSendInput_WhileRunningCallsSendInputNotStart(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	if err := ts.dispatcher.SendInput(context.Background(), s.ID, "follow up"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if ts.runner.starts != 1 {
		t.Fatalf("expected Start still only called once, got %d", ts.runner.starts)
	}
	if len(ts.runner.sends) != 1 || ts.runner.sends[0] != "follow up" {
		t.Fatalf("expected SendInput to be forwarded, got %v", ts.runner.sends)
	}
}

func TestSendInput_FromAwaitingInputStartsFreshTurn(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)
	ts.dispatcher.OnAwaitingInput(context.Background(), s.ID)

	if err := ts.dispatcher.SendInput(context.Background(), s.ID, "continue"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if ts.runner.starts != 2 {
		t.Fatalf("expected a fresh Start from AWAITING_INPUT, got %d starts", ts.runner.starts)
	}

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateRunning {
		t.Fatalf("expected RUNNING after resumed input, got %s", got.State)
	}
}

func TestInterrupt_IdempotentFromAwaitingInput(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)
	ts.dispatcher.OnAwaitingInput(context.Background(), s.ID)

	if err := ts.dispatcher.Interrupt(context.Background(), s.ID); err != nil {
		t.Fatalf("expected Interrupt on AWAITING_INPUT to be a no-op, got %v", err)
	}
	if ts.runner.stops != 0 {
		t.Fatalf("expected no Stop call for idempotent interrupt, got %d", ts.runner.stops)
	}
}

func TestInterrupt_FromRunningTransitionsAndCallsStop(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	if err := ts.dispatcher.Interrupt(context.Background(), s.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateInterrupting {
		t.Fatalf("expected INTERRUPTING, got %s", got.State)
	}
	if ts.runner.stops != 1 {
		t.Fatalf("expected Stop called once, got %d", ts.runner.stops)
	}
}

func TestEnsureRunning_TransitionsCreatedToRunningOnce(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")

	if err := ts.dispatcher.EnsureRunning(context.Background(), s.ID); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateRunning {
		t.Fatalf("expected RUNNING, got %s", got.State)
	}

	// Second call on an already-RUNNING session is a no-op, not an error.
	if err := ts.dispatcher.EnsureRunning(context.Background(), s.ID); err != nil {
		t.Fatalf("expected idempotent EnsureRunning, got %v", err)
	}
}

func TestResolvePermission_DeliversToWaitingOnPermissionRequest(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	out := ts.dispatcher.OnPermissionRequest(context.Background(), s.ID, PermissionRequest{RequestID: "req-1", ToolName: "bash"})

	ok, err := ts.dispatcher.ResolvePermission(context.Background(), s.ID, "req-1", true, "approved", nil)
	if err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}
	if !ok {
		t.Fatal("expected ResolvePermission to find the outstanding request")
	}

	select {
	case result := <-out:
		if !result.Allow || result.ResolvedBy != "user" {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for permission resolution")
	}
}

func TestResolvePermission_UnknownRequestIDReturnsFalse(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")

	ok, err := ts.dispatcher.ResolvePermission(context.Background(), s.ID, "does-not-exist", true, "", nil)
	if err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}
	if ok {
		t.Fatal("expected false for an unknown request id")
	}
}

func TestOnPermissionRequest_TimesOutAsDeny(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	out := ts.dispatcher.OnPermissionRequest(context.Background(), s.ID, PermissionRequest{RequestID: "req-timeout", ToolName: "bash"})

	select {
	case result := <-out:
		if result.Allow || result.ResolvedBy != "timeout" {
			t.Fatalf("expected timeout deny, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the permission timeout to fire within the test window")
	}
}

func TestOnExit_ZeroCodeGoesToAwaitingInput(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	ts.dispatcher.OnExit(context.Background(), s.ID, 0)

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateAwaitingInput {
		t.Fatalf("expected AWAITING_INPUT on clean exit, got %s", got.State)
	}
}

func TestOnExit_NonZeroCodeGoesToError(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	ts.dispatcher.OnExit(context.Background(), s.ID, 1)

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateError {
		t.Fatalf("expected ERROR on non-zero exit, got %s", got.State)
	}
}

func TestOnExit_StopRequestedOverridesNonZeroCode(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)
	ts.dispatcher.SetStopRequested(s.ID, true)

	ts.dispatcher.OnExit(context.Background(), s.ID, 137)

	got, _ := ts.store.Get(s.ID)
	if got.State != session.StateAwaitingInput {
		t.Fatalf("expected AWAITING_INPUT when stop was requested regardless of exit code, got %s", got.State)
	}
}

func TestOnHeader_BindsRunnerSessionIDOnFirstReport(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)

	ts.dispatcher.OnHeader(context.Background(), s.ID, Header{Title: "session", RunnerSessionID: "rsid-1"})

	got, _ := ts.store.Get(s.ID)
	if got.RunnerSessionID != "rsid-1" {
		t.Fatalf("expected runner_session_id bound, got %q", got.RunnerSessionID)
	}
}

func TestOnHeader_RebindsOnExpiryWithDifferentID(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")
	ts.dispatcher.Start(context.Background(), s.ID, "hi", session.ApprovalInteractive)
	ts.dispatcher.OnHeader(context.Background(), s.ID, Header{RunnerSessionID: "rsid-1"})

	ts.dispatcher.OnHeader(context.Background(), s.ID, Header{RunnerSessionID: "rsid-2"})

	got, _ := ts.store.Get(s.ID)
	if got.RunnerSessionID != "rsid-2" {
		t.Fatalf("expected rebound runner_session_id rsid-2, got %q", got.RunnerSessionID)
	}
	if _, ok := ts.store.FindByRunnerSessionID("rsid-1"); ok {
		t.Fatal("expected old runner_session_id to no longer resolve")
	}
}

func TestEnqueueDequeuePendingInput_RoundTrips(t *testing.T) {
	ts := newTestStack(t)
	s, _ := ts.store.Create("/work", "test-adapter", "cli")

	if ts.dispatcher.HasPendingInput(s.ID) {
		t.Fatal("expected no pending input initially")
	}
	ts.dispatcher.EnqueueInput(s.ID, "queued")
	if !ts.dispatcher.HasPendingInput(s.ID) {
		t.Fatal("expected pending input after enqueue")
	}
	text, ok := ts.dispatcher.DequeueInput(s.ID)
	if !ok || text != "queued" {
		t.Fatalf("expected dequeue to return queued text, got %q ok=%v", text, ok)
	}
}

package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/session"
)

// Registry maps a Session.Adapter name to the Factory that builds a Runner
// for it. Populated by cmd/relay's wiring (ACP variants, pty passthrough,
// Copilot, sidecar, llmapi), never hard-coded here.
type Registry map[string]Factory

// Dispatcher is the glue that binds the Session Store and Event Pipeline to
// the Runner Protocol, and is itself the Sink every runner reports through.
// Every public method below follows the phase1 (lock:
// validate+transition+emit) / phase2 (unlocked: runner call) / phase3
// (lock: finalize-or-error) discipline to avoid deadlocking against a
// runner's own sink callbacks.
type Dispatcher struct {
	store    *session.Store
	pipeline *events.Pipeline
	registry Registry
	log      *logger.Logger

	permissionTimeout time.Duration

	mu      sync.Mutex
	runners map[string]Runner // sessionID -> live runner instance
	buffers map[string]*turnBuffer
}

// turnBuffer accumulates a turn's output text so it can be emitted as a
// single output_final event once the last text block is seen.
type turnBuffer struct {
	mu   sync.Mutex
	text string
}

// NewDispatcher builds a Dispatcher. cfg supplies the permission timeout
// shared across every runner variant; the stop grace period is a
// per-runner-variant concern instead (see each variant's NewRunner), since
// the grace-then-kill sequence it governs happens inside Runner.Stop.
func NewDispatcher(store *session.Store, pipeline *events.Pipeline, registry Registry, log *logger.Logger, cfg config.RunnerConfig) *Dispatcher {
	return &Dispatcher{
		store:             store,
		pipeline:          pipeline,
		registry:          registry,
		log:               log,
		permissionTimeout: cfg.PermissionTimeout,
		runners:           make(map[string]Runner),
		buffers:           make(map[string]*turnBuffer),
	}
}

func (d *Dispatcher) runnerFor(sessionID, adapter string) (Runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.runners[sessionID]; ok {
		return r, nil
	}
	factory, ok := d.registry[adapter]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, adapter)
	}
	r := factory(d, d)
	d.runners[sessionID] = r
	d.buffers[sessionID] = &turnBuffer{}
	return r, nil
}

func (d *Dispatcher) bufferFor(sessionID string) *turnBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[sessionID]
	if !ok {
		b = &turnBuffer{}
		d.buffers[sessionID] = b
	}
	return b
}

// Start validates the session is in a startable state, transitions it to
// RUNNING, emits the user_input event for the initial prompt (phase 1),
// then dispatches to the runner unlocked (phase 2). Runner failures move
// the session to ERROR (phase 3).
func (d *Dispatcher) Start(ctx context.Context, sessionID, initialPrompt string, mode session.ApprovalMode) error {
	lock := d.store.Lock(sessionID)
	lock.Lock()

	s, err := d.store.Get(sessionID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if s.State != session.StateCreated && s.State != session.StateAwaitingInput && s.State != session.StateError {
		lock.Unlock()
		return session.ErrInvalidTransition
	}
	if s.Directory == "" {
		lock.Unlock()
		return session.ErrDirectoryRequired
	}

	now := time.Now().UTC()
	if s.State == session.StateError {
		session.ClearTerminal(s)
	}
	s.ApprovalMode = mode
	if err := session.Transition(s, session.StateRunning, false, now); err != nil {
		lock.Unlock()
		return err
	}
	if err := d.store.Update(s); err != nil {
		lock.Unlock()
		return err
	}
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(session.StateRunning)}); err != nil {
		lock.Unlock()
		return err
	}
	if initialPrompt != "" {
		if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeUserInput, map[string]interface{}{"text": initialPrompt}); err != nil {
			lock.Unlock()
			return err
		}
	}
	resumeHint := s.RunnerSessionID
	directory := s.Directory
	adapter := s.Adapter
	lock.Unlock()

	r, err := d.runnerFor(sessionID, adapter)
	if err != nil {
		d.markError(ctx, sessionID, "AGENT_UNAVAILABLE", err.Error())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := r.Start(ctx, sessionID, directory, resumeHint, initialPrompt, mode); err != nil {
		d.markError(ctx, sessionID, "RUNNER_ERROR", err.Error())
		return err
	}
	return nil
}

// SendInput delivers follow-up text. In RUNNING it is queued by the runner;
// in AWAITING_INPUT/ERROR it starts a fresh turn.
func (d *Dispatcher) SendInput(ctx context.Context, sessionID, text string) error {
	lock := d.store.Lock(sessionID)
	lock.Lock()

	s, err := d.store.Get(sessionID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if s.State != session.StateRunning && s.State != session.StateAwaitingInput && s.State != session.StateError {
		lock.Unlock()
		return session.ErrInvalidTransition
	}

	now := time.Now().UTC()
	startingFresh := s.State != session.StateRunning
	if startingFresh {
		if s.State == session.StateError {
			session.ClearTerminal(s)
		}
		if err := session.Transition(s, session.StateRunning, false, now); err != nil {
			lock.Unlock()
			return err
		}
		if err := d.store.Update(s); err != nil {
			lock.Unlock()
			return err
		}
		if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(session.StateRunning)}); err != nil {
			lock.Unlock()
			return err
		}
	}
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeUserInput, map[string]interface{}{"text": text}); err != nil {
		lock.Unlock()
		return err
	}
	adapter := s.Adapter
	directory := s.Directory
	resumeHint := s.RunnerSessionID
	lock.Unlock()

	r, err := d.runnerFor(sessionID, adapter)
	if err != nil {
		d.markError(ctx, sessionID, "AGENT_UNAVAILABLE", err.Error())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var dispatchErr error
	if startingFresh {
		dispatchErr = r.Start(ctx, sessionID, directory, resumeHint, text, s.ApprovalMode)
	} else {
		dispatchErr = r.SendInput(ctx, sessionID, text)
	}
	if dispatchErr != nil {
		d.markError(ctx, sessionID, "RUNNER_ERROR", dispatchErr.Error())
		return dispatchErr
	}
	return nil
}

// Interrupt is the only user-observable cancellation . It is
// idempotent in AWAITING_INPUT/INTERRUPTING; the API call returns as soon as
// the transition to INTERRUPTING is journalled, before the runner confirms.
func (d *Dispatcher) Interrupt(ctx context.Context, sessionID string) error {
	lock := d.store.Lock(sessionID)
	lock.Lock()

	s, err := d.store.Get(sessionID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if s.State == session.StateAwaitingInput || s.State == session.StateInterrupting {
		lock.Unlock()
		return nil // idempotent no-op
	}
	if s.State != session.StateRunning {
		lock.Unlock()
		return session.ErrInvalidTransition
	}

	now := time.Now().UTC()
	if err := session.Transition(s, session.StateInterrupting, false, now); err != nil {
		lock.Unlock()
		return err
	}
	if err := d.store.Update(s); err != nil {
		lock.Unlock()
		return err
	}
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(session.StateInterrupting)}); err != nil {
		lock.Unlock()
		return err
	}
	adapter := s.Adapter
	lock.Unlock()

	r, err := d.runnerFor(sessionID, adapter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r.Stop(ctx, sessionID)
}

// EnsureRunning implements the external-agent push endpoint's "auto-
// transitions CREATED→RUNNING on first event" rule (, `POST
// /sessions/{id}/events`): an external agent driving its own process
// notifies us of activity without ever calling Start.
func (d *Dispatcher) EnsureRunning(ctx context.Context, sessionID string) error {
	lock := d.store.Lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := d.store.Get(sessionID)
	if err != nil {
		return err
	}
	if s.State != session.StateCreated {
		return nil
	}

	now := time.Now().UTC()
	if err := session.Transition(s, session.StateRunning, false, now); err != nil {
		return err
	}
	if err := d.store.Update(s); err != nil {
		return err
	}
	_, err = d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(session.StateRunning)})
	return err
}

// UpdatePermissionMode dispatches a mid-session approval-policy change.
func (d *Dispatcher) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	var adapter string
	err := d.store.WithSession(sessionID, func(s *session.Session, rt *session.Runtime) error {
		s.ApprovalMode = mode
		adapter = s.Adapter
		return nil
	})
	if err != nil {
		return err
	}

	r, err := d.runnerFor(sessionID, adapter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r.UpdatePermissionMode(ctx, sessionID, mode)
}

// ResolvePermission delivers a human/policy answer to a pending permission
// one-shot. Idempotent, first-writer-wins.
func (d *Dispatcher) ResolvePermission(ctx context.Context, sessionID, requestID string, allow bool, message string, updatedInput map[string]interface{}) (bool, error) {
	rt, ok := d.store.Runtime(sessionID)
	if !ok {
		return false, session.ErrNotFound
	}

	resolved := rt.Permissions().Resolve(requestID, session.PermissionResult{
		Allow: allow, ResolvedBy: "user", Message: message, UpdatedInput: updatedInput,
	})
	if !resolved {
		return false, nil
	}

	_, err := d.pipeline.Emit(ctx, sessionID, events.TypePermissionResolved, map[string]interface{}{
		"request_id": requestID, "resolved_by": "user", "allowed": allow, "message": message,
	})
	return true, err
}

func (d *Dispatcher) markError(ctx context.Context, sessionID, code, message string) {
	_ = d.store.WithSession(sessionID, func(s *session.Session, rt *session.Runtime) error {
		return session.Transition(s, session.StateError, false, time.Now().UTC())
	})
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(session.StateError)}); err != nil {
		d.log.Warn("failed to emit error state transition", zap.Error(err))
	}
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeError, map[string]interface{}{"code": code, "message": message}); err != nil {
		d.log.Warn("failed to emit error event", zap.Error(err))
	}
}

// --- Sink implementation ---------------------------------------------------

// OnHeader applies identity-binding rules: bind, no-op, or
// expiry-replace depending on how the reported id relates to the currently
// bound one.
func (d *Dispatcher) OnHeader(ctx context.Context, sessionID string, h Header) {
	s, err := d.store.Get(sessionID)
	if err != nil {
		return
	}

	if h.RunnerSessionID != "" {
		switch {
		case s.RunnerSessionID == "":
			if err := d.store.SetRunnerSessionID(sessionID, h.RunnerSessionID); err != nil {
				d.log.Warn("binding runner_session_id failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		case s.RunnerSessionID == h.RunnerSessionID:
			// no-op, already bound
		default:
			old := s.RunnerSessionID
			if err := d.store.ReplaceRunnerSessionID(sessionID, old, h.RunnerSessionID); err != nil {
				d.log.Warn("rebinding runner_session_id failed", zap.String("session_id", sessionID), zap.Error(err))
			} else {
				if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeWarning, map[string]interface{}{
					"code": "EXTERNAL_SESSION_REBOUND", "message": fmt.Sprintf("runner_session_id %s expired, rebound to %s", old, h.RunnerSessionID),
				}); err != nil {
					d.log.Warn("failed to emit rebind warning", zap.Error(err))
				}
			}
		}
	}

	s.RunnerHeader = h.Title
	_ = d.store.Update(s)

	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeHeader, map[string]interface{}{
		"title": h.Title, "model": h.Model, "provider": h.Provider, "runner_session_id": h.RunnerSessionID,
	}); err != nil {
		d.log.Warn("failed to emit header event", zap.Error(err))
	}
}

func (d *Dispatcher) OnOutput(ctx context.Context, sessionID, stream, text string, kind OutputKind, final bool) {
	b := d.bufferFor(sessionID)
	b.mu.Lock()
	b.text += text
	accumulated := b.text
	if final {
		b.text = ""
	}
	b.mu.Unlock()

	if _, err := d.pipeline.EmitOutput(ctx, sessionID, stream, text, events.OutputKind(kind), final); err != nil {
		d.log.Warn("failed to emit output event", zap.String("session_id", sessionID), zap.Error(err))
	}

	if final {
		if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeOutputFinal, map[string]interface{}{"text": accumulated}); err != nil {
			d.log.Warn("failed to emit output_final event", zap.Error(err))
		}
	}
}

func (d *Dispatcher) OnMetadata(ctx context.Context, sessionID string, data map[string]interface{}) {
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeMetadata, data); err != nil {
		d.log.Warn("failed to emit metadata event", zap.Error(err))
	}
}

func (d *Dispatcher) OnHeartbeat(ctx context.Context, sessionID string, elapsedSeconds float64, done bool) {
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeHeartbeat, map[string]interface{}{
		"elapsed_s": elapsedSeconds, "done": done,
	}); err != nil {
		d.log.Warn("failed to emit heartbeat event", zap.Error(err))
	}
}

func (d *Dispatcher) OnPermissionRequest(ctx context.Context, sessionID string, req PermissionRequest) <-chan session.PermissionResult {
	rt, ok := d.store.Runtime(sessionID)
	if !ok {
		ch := make(chan session.PermissionResult, 1)
		ch <- session.PermissionResult{Allow: false, ResolvedBy: "cancelled"}
		close(ch)
		return ch
	}

	ch := rt.Permissions().Add(req.RequestID)
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypePermissionRequest, map[string]interface{}{
		"request_id": req.RequestID, "tool_name": req.ToolName, "tool_input": req.ToolInput, "suggestions": req.Suggestions,
	}); err != nil {
		d.log.Warn("failed to emit permission_request event", zap.Error(err))
	}

	out := make(chan session.PermissionResult, 1)
	go d.awaitPermission(ctx, sessionID, req.RequestID, ch, out)
	return out
}

// awaitPermission enforces the ~5 minute default timeout, resolving as
// deny/timeout and emitting permission_resolved so UIs can
// dismiss the prompt if no human or policy answers in time.
func (d *Dispatcher) awaitPermission(ctx context.Context, sessionID, requestID string, in <-chan session.PermissionResult, out chan<- session.PermissionResult) {
	timeout := d.permissionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-in:
		out <- result
	case <-timer.C:
		rt, ok := d.store.Runtime(sessionID)
		result := session.PermissionResult{Allow: false, ResolvedBy: "timeout"}
		if ok {
			rt.Permissions().Resolve(requestID, result) // no-op if already resolved elsewhere
		}
		if _, err := d.pipeline.Emit(ctx, sessionID, events.TypePermissionResolved, map[string]interface{}{
			"request_id": requestID, "resolved_by": "timeout", "allowed": false,
		}); err != nil {
			d.log.Warn("failed to emit permission timeout event", zap.Error(err))
		}
		out <- result
	}
	close(out)
}

func (d *Dispatcher) OnPermissionResolved(ctx context.Context, sessionID, requestID, resolvedBy string, allowed bool, message string) {
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypePermissionResolved, map[string]interface{}{
		"request_id": requestID, "resolved_by": resolvedBy, "allowed": allowed, "message": message,
	}); err != nil {
		d.log.Warn("failed to emit permission_resolved event", zap.Error(err))
	}
}

func (d *Dispatcher) OnError(ctx context.Context, sessionID, code, message string) {
	d.markError(ctx, sessionID, code, message)
}

// OnExit is the runner's confirmation that a stop completed, or a natural
// process exit. If stop_requested was set, this is the interrupt
// confirmation (INTERRUPTING -> AWAITING_INPUT); otherwise a non-zero exit
// is treated as a runner failure (-> ERROR) and a zero exit as reaching
// awaiting-input, mirroring on_awaiting_input's transition.
func (d *Dispatcher) OnExit(ctx context.Context, sessionID string, exitCode int) {
	var target session.State
	var stopRequested bool
	err := d.store.WithSession(sessionID, func(s *session.Session, rt *session.Runtime) error {
		stopRequested = rt.StopRequested
		rt.StopRequested = false
		s.ExitCode = &exitCode
		if stopRequested || exitCode == 0 {
			target = session.StateAwaitingInput
		} else {
			target = session.StateError
		}
		return session.Transition(s, target, false, time.Now().UTC())
	})
	if err != nil {
		d.log.Warn("failed to finalize session on exit", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(target)}); err != nil {
		d.log.Warn("failed to emit exit state transition", zap.Error(err))
	}
}

// --- RuntimeAccessor implementation ----------------------------------------

func (d *Dispatcher) EnqueueInput(sessionID, text string) {
	if rt, ok := d.store.Runtime(sessionID); ok {
		rt.EnqueueInput(text)
	}
}

func (d *Dispatcher) DequeueInput(sessionID string) (string, bool) {
	rt, ok := d.store.Runtime(sessionID)
	if !ok {
		return "", false
	}
	in, ok := rt.DequeueInput()
	return in.Text, ok
}

func (d *Dispatcher) HasPendingInput(sessionID string) bool {
	rt, ok := d.store.Runtime(sessionID)
	return ok && rt.HasPendingInput()
}

func (d *Dispatcher) SetStopRequested(sessionID string, v bool) {
	if rt, ok := d.store.Runtime(sessionID); ok {
		rt.StopRequested = v
	}
}

func (d *Dispatcher) IsStopRequested(sessionID string) bool {
	rt, ok := d.store.Runtime(sessionID)
	return ok && rt.StopRequested
}

func (d *Dispatcher) OnAwaitingInput(ctx context.Context, sessionID string) {
	err := d.store.WithSession(sessionID, func(s *session.Session, rt *session.Runtime) error {
		return session.Transition(s, session.StateAwaitingInput, false, time.Now().UTC())
	})
	if err != nil {
		d.log.Warn("failed to transition to awaiting_input", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if _, err := d.pipeline.Emit(ctx, sessionID, events.TypeSessionState, map[string]interface{}{"state": string(session.StateAwaitingInput)}); err != nil {
		d.log.Warn("failed to emit awaiting_input event", zap.Error(err))
	}
}

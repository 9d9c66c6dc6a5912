// Package copilot also hosts the Runner itself: a subprocess-per-session
// variant (unlike acp's subprocess-per-turn) because the Copilot CLI server
// does not exit when its stdin closes — a RequiresProcessKill
// flag on CopilotAdapter documents exactly this — so the natural unit of
// process lifetime here is the session, with turns carried by repeated
// client.Send calls against the one persistent server connection. Grounded
// on an internal/agentctl/server/adapter/copilot_adapter.go shape.
package copilot

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/runner/executor"
	"github.com/kandev/relay/internal/session"
)

// portPattern matches "listening on port <number>" printed by the Copilot
// CLI in server mode, transcribed from a reference waitForPort.
var portPattern = regexp.MustCompile(`listening on port (\d+)`)

// portWaitTimeout bounds how long the runner waits for the CLI to announce
// its port before giving up, matching a 180s budget.
const portWaitTimeout = 180 * time.Second

// Runner drives the GitHub Copilot CLI in server mode: one long-lived child
// process per core session, connected to over TCP via the Copilot SDK.
type Runner struct {
	command   []string
	exec      executor.Executor
	sink      runner.Sink
	rt        runner.RuntimeAccessor
	log       *logger.Logger
	stopGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*turn
}

type turn struct {
	proc   executor.Process
	client *Client
	cancel context.CancelFunc

	mu       sync.Mutex
	mode     session.ApprovalMode
	awaiting bool
}

// NewRunner builds a Copilot Runner. command must invoke the CLI with its
// server-mode flag (e.g. ["copilot", "--server"]). stopGrace bounds how long
// Stop waits after Abort for the current turn to end before the CLI server
// process is killed outright; zero means kill immediately.
func NewRunner(command []string, exec executor.Executor, stopGrace time.Duration, log *logger.Logger) runner.Factory {
	return func(sink runner.Sink, rt runner.RuntimeAccessor) runner.Runner {
		return &Runner{command: command, exec: exec, sink: sink, rt: rt, log: log, stopGrace: stopGrace, sessions: make(map[string]*turn)}
	}
}

func (r *Runner) Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error {
	return r.spawnSession(ctx, sessionID, directory, resumeHint, initialPrompt, mode)
}

func (r *Runner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		r.rt.EnqueueInput(sessionID, text)
		return nil
	}

	t.mu.Lock()
	t.awaiting = false
	t.mu.Unlock()

	if _, err := t.client.Send(text); err != nil {
		return fmt.Errorf("sending copilot message: %w", err)
	}
	return nil
}

// Stop aborts the current turn and gives the CLI server stopGrace to settle
// before the process is killed outright — the server itself never exits on
// its own (see RequiresProcessKill in the package doc), so a kill is always
// the eventual outcome, only its timing is negotiable.
func (r *Runner) Stop(ctx context.Context, sessionID string) error {
	r.rt.SetStopRequested(sessionID, true)

	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := t.client.Abort(); err != nil {
		r.log.Debug("copilot abort failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if r.stopGrace <= 0 {
		t.cancel()
		return t.proc.Kill()
	}
	time.AfterFunc(r.stopGrace, func() { r.killIfStillRunning(sessionID, t) })
	return nil
}

// killIfStillRunning force-kills a turn's CLI server process if it hasn't
// exited by the time the grace period given to it in Stop elapses.
func (r *Runner) killIfStillRunning(sessionID string, t *turn) {
	r.mu.Lock()
	current, stillRunning := r.sessions[sessionID]
	r.mu.Unlock()
	if !stillRunning || current != t {
		return
	}
	r.log.Debug("copilot stop grace period elapsed, killing session", zap.String("session_id", sessionID))
	t.cancel()
	_ = t.proc.Kill()
}

func (r *Runner) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		t.mu.Lock()
		t.mode = mode
		t.mu.Unlock()
	}
	return nil
}

// spawnSession starts the CLI server, waits for its listening port, connects
// the SDK client over TCP, and creates or resumes the session before issuing
// the first prompt.
func (r *Runner) spawnSession(ctx context.Context, sessionID, directory, resumeHint, prompt string, mode session.ApprovalMode) error {
	sessCtx, cancel := context.WithCancel(context.Background())

	proc, err := r.exec.Start(sessCtx, executor.Spec{Command: r.command, Dir: directory, Env: os.Environ()})
	if err != nil {
		cancel()
		return fmt.Errorf("spawning copilot CLI: %w", err)
	}
	go r.drainStderr(sessionID, proc)

	port, err := r.waitForPort(sessCtx, proc)
	if err != nil {
		cancel()
		_ = proc.Kill()
		return fmt.Errorf("detecting copilot CLI port: %w", err)
	}

	client := NewClient(ClientConfig{CLIUrl: fmt.Sprintf("localhost:%d", port)}, r.log)
	t := &turn{proc: proc, client: client, cancel: cancel, mode: mode}

	client.SetEventHandler(func(evt SessionEvent) { r.handleEvent(sessionID, t, evt) })
	client.SetPermissionHandler(func(req PermissionRequest, _ PermissionInvocation) (PermissionRequestResult, error) {
		// The SDK invokes this handler directly with no request-scoped
		// context of its own, so the round-trip runs detached from Start's
		// caller context.
		return r.handlePermission(context.Background(), sessionID, t, req)
	})

	if err := client.Start(); err != nil {
		cancel()
		return fmt.Errorf("connecting copilot SDK client: %w", err)
	}

	r.mu.Lock()
	r.sessions[sessionID] = t
	r.mu.Unlock()

	runnerSessionID := resumeHint
	if runnerSessionID != "" {
		if err := client.ResumeSession(runnerSessionID, nil); err != nil {
			r.log.Warn("resuming copilot session failed, creating new one", zap.String("session_id", sessionID), zap.Error(err))
			runnerSessionID = ""
		}
	}
	if runnerSessionID == "" {
		id, err := client.CreateSession(nil)
		if err != nil {
			return fmt.Errorf("creating copilot session: %w", err)
		}
		runnerSessionID = id
	}

	r.sink.OnHeader(ctx, sessionID, runner.Header{Title: "copilot", Provider: "copilot", RunnerSessionID: runnerSessionID})

	go r.wait(sessionID, t)

	if prompt != "" {
		if _, err := client.Send(prompt); err != nil {
			return fmt.Errorf("sending initial copilot prompt: %w", err)
		}
	}
	return nil
}

// waitForPort scans the child's stdout line by line until it finds the
// listening-port announcement, transcribed from a reference waitForPort.
func (r *Runner) waitForPort(ctx context.Context, proc executor.Process) (int, error) {
	scanner := bufio.NewScanner(proc.Stdout())
	portCh := make(chan int, 1)
	errCh := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if m := portPattern.FindStringSubmatch(line); m != nil {
				port, err := strconv.Atoi(m[1])
				if err != nil {
					errCh <- fmt.Errorf("invalid port %q: %w", m[1], err)
					return
				}
				portCh <- port
				// Keep draining remaining stdout so the process never blocks
				// on a full pipe buffer.
				for scanner.Scan() {
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("reading copilot CLI stdout: %w", err)
			return
		}
		errCh <- fmt.Errorf("copilot CLI exited before printing listening port")
	}()

	timer := time.NewTimer(portWaitTimeout)
	defer timer.Stop()

	select {
	case port := <-portCh:
		return port, nil
	case err := <-errCh:
		return 0, err
	case <-timer.C:
		return 0, fmt.Errorf("timeout waiting for copilot CLI to print listening port")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleEvent classifies SDK events: message/reasoning/tool
// content is step output, session idle flushes the final block and reports
// the turn boundary, session error reports a runner error.
func (r *Runner) handleEvent(sessionID string, t *turn, evt SessionEvent) {
	ctx := context.Background()
	switch evt.Type {
	case EventTypeAssistantMessage:
		if evt.Data.Content != nil && *evt.Data.Content != "" {
			r.sink.OnOutput(ctx, sessionID, "assistant", *evt.Data.Content, runner.OutputStep, false)
		}
	case EventTypeAssistantDelta:
		if evt.Data.DeltaContent != nil && *evt.Data.DeltaContent != "" {
			r.sink.OnOutput(ctx, sessionID, "assistant", *evt.Data.DeltaContent, runner.OutputStep, false)
		}
	case EventTypeAssistantReason:
		content := ""
		if evt.Data.Content != nil {
			content = *evt.Data.Content
		} else if evt.Data.DeltaContent != nil {
			content = *evt.Data.DeltaContent
		}
		if content != "" {
			r.sink.OnOutput(ctx, sessionID, "thought", content, runner.OutputStep, false)
		}
	case EventTypeToolStart, EventTypeToolProgress:
		name := ""
		if evt.Data.ToolName != nil {
			name = *evt.Data.ToolName
		}
		r.sink.OnOutput(ctx, sessionID, "tool", name, runner.OutputStep, false)
	case EventTypeToolComplete:
		r.sink.OnOutput(ctx, sessionID, "tool", "", runner.OutputStep, false)
	case EventTypeSessionIdle:
		r.completeTurn(ctx, sessionID, t)
	case EventTypeSessionError:
		msg := "unknown copilot session error"
		if evt.Data.Message != nil {
			msg = *evt.Data.Message
		}
		r.sink.OnError(ctx, sessionID, "RUNNER_ERROR", msg)
		r.completeTurn(ctx, sessionID, t)
	}
}

// completeTurn flushes the accumulated turn buffer and reports the turn
// boundary at most once per idle event — the SDK can emit session.idle more
// than once for the same operation, matching a completeSent
// guard.
func (r *Runner) completeTurn(ctx context.Context, sessionID string, t *turn) {
	t.mu.Lock()
	if t.awaiting {
		t.mu.Unlock()
		return
	}
	t.awaiting = true
	t.mu.Unlock()

	r.sink.OnOutput(ctx, sessionID, "assistant", "", runner.OutputFinal, true)
	r.sink.OnAwaitingInput(ctx, sessionID)
}

// handlePermission routes a tool-use approval through the Sink's one-shot
// round-trip, except in ApprovalBypass mode where the
// own auto-approve default is what relay intentionally departs from for
// every other mode — see DESIGN.md.
func (r *Runner) handlePermission(ctx context.Context, sessionID string, t *turn, req PermissionRequest) (PermissionRequestResult, error) {
	t.mu.Lock()
	mode := t.mode
	t.mu.Unlock()

	if mode == session.ApprovalBypass {
		return PermissionRequestResult{Kind: "approved"}, nil
	}

	input := map[string]interface{}{"kind": req.Kind}
	resultCh := r.sink.OnPermissionRequest(ctx, sessionID, runner.PermissionRequest{
		RequestID:   req.ToolCallID,
		ToolName:    req.Kind,
		ToolInput:   input,
		Suggestions: []string{"allow", "deny"},
	})

	result := <-resultCh
	if !result.Allow {
		return PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
	}
	return PermissionRequestResult{Kind: "approved"}, nil
}

func (r *Runner) drainStderr(sessionID string, proc executor.Process) {
	buf := make([]byte, 4096)
	for {
		n, err := proc.Stderr().Read(buf)
		if n > 0 {
			r.log.Debug("copilot CLI stderr", zap.String("session_id", sessionID), zap.ByteString("chunk", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) wait(sessionID string, t *turn) {
	exitCode, _ := t.proc.Wait(context.Background())

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if err := t.client.Stop(); err != nil {
		r.log.Debug("copilot client stop failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	r.sink.OnExit(context.Background(), sessionID, exitCode)
}

// Package pty implements the raw-CLI-passthrough subprocess runner: agents
// with no ACP or stream-json mode, spawned attached to a pseudo-terminal
// instead of plain pipes because they render their own TUI. Grounded on an
// internal/agentctl/server/process (interactive_runner.go's PTY lifecycle,
// pty_unix.go/pty_windows.go's cross-platform PtyHandle), generalized from
// a resizable interactive terminal session to a turn-oriented runner:
// output classification falls back to a prompt-string reappearance
// heuristic since there is no structured result message, and permission
// requests are rejected outright because bypass is the only approval mode
// this sub-variant can run under.
package pty

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/runner/executor"
	"github.com/kandev/relay/internal/session"
)

// ErrInteractiveApprovalUnsupported is returned by Start/UpdatePermissionMode
// when the session's approval_mode is anything but bypass.
var ErrInteractiveApprovalUnsupported = fmt.Errorf("pty: approval_mode must be bypass for raw CLI passthrough")

// defaultIdleTimeout is how long the child must be silent before a turn is
// considered complete when no prompt pattern is configured or matches.
const defaultIdleTimeout = 5 * time.Second

// defaultCols/defaultRows size the pty when no real terminal dimensions are
// known yet, mirroring a reference ImmediateStart default (120x40).
const (
	defaultCols = 120
	defaultRows = 40
)

// recentWindowBytes bounds how much trailing raw output is kept for prompt
// pattern matching, mirroring a reference 1KB recentOutput ring.
const recentWindowBytes = 1024

// ctrlC is the interrupt control character (ETX) a real terminal sends to
// its foreground process group on Ctrl-C; writing it to the pty is this
// runner's equivalent of a cancellation signal.
const ctrlC = 0x03

// Runner drives pty-attached CLI agents, one long-lived child per session.
type Runner struct {
	command       []string
	exec          executor.PTYExecutor
	sink          runner.Sink
	rt            runner.RuntimeAccessor
	log           *logger.Logger
	promptPattern *regexp.Regexp
	idleTimeout   time.Duration
	stopGrace     time.Duration

	mu       sync.Mutex
	sessions map[string]*turn
}

// turn tracks the one pty child that persists across every turn of a
// session, since a TUI passthrough agent has no clean per-turn respawn point
// the way the ACP subprocess-per-prompt variant does.
type turn struct {
	proc   executor.PTYProcess
	cancel context.CancelFunc

	mu        sync.Mutex
	idleTimer *time.Timer
	recent    bytes.Buffer
	awaiting  bool // true once the current turn has already been reported
}

// NewRunner builds a pty Runner. exec must support real pty attachment
// (executor.LocalExecutor does; containerized executors don't yet — see
// DESIGN.md). promptPattern, if non-empty, matches the agent's reappearing
// input prompt to detect turn completion faster than the idle timeout.
// stopGrace bounds how long Stop waits after sending Ctrl-C before killing
// the child outright; zero means kill immediately.
func NewRunner(command []string, exec executor.PTYExecutor, promptPattern string, stopGrace time.Duration, log *logger.Logger) (runner.Factory, error) {
	var compiled *regexp.Regexp
	if promptPattern != "" {
		var err error
		compiled, err = regexp.Compile(promptPattern)
		if err != nil {
			return nil, fmt.Errorf("compiling prompt pattern: %w", err)
		}
	}
	return func(sink runner.Sink, rt runner.RuntimeAccessor) runner.Runner {
		return &Runner{
			command: command, exec: exec, sink: sink, rt: rt, log: log,
			promptPattern: compiled, idleTimeout: defaultIdleTimeout, stopGrace: stopGrace,
			sessions: make(map[string]*turn),
		}
	}, nil
}

func (r *Runner) Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error {
	if mode != session.ApprovalBypass {
		return ErrInteractiveApprovalUnsupported
	}
	return r.spawnTurn(ctx, sessionID, directory, initialPrompt)
}

func (r *Runner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	t, inFlight := r.sessions[sessionID]
	r.mu.Unlock()

	if !inFlight {
		r.rt.EnqueueInput(sessionID, text)
		return nil
	}

	t.mu.Lock()
	t.awaiting = false
	t.mu.Unlock()

	if _, err := t.proc.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("writing to pty: %w", err)
	}
	t.resetIdleTimer(r.idleTimeout, func() { r.completeTurn(sessionID, t) })
	return nil
}

// Stop writes Ctrl-C to the pty and gives the child stopGrace to exit on its
// own before it is killed outright.
func (r *Runner) Stop(ctx context.Context, sessionID string) error {
	r.rt.SetStopRequested(sessionID, true)

	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	_, _ = t.proc.Write([]byte{ctrlC})

	if r.stopGrace <= 0 {
		t.cancel()
		return t.proc.Kill()
	}
	time.AfterFunc(r.stopGrace, func() { r.killIfStillRunning(sessionID, t) })
	return nil
}

// killIfStillRunning force-kills a turn's child if it hasn't exited by the
// time the grace period given to it in Stop elapses.
func (r *Runner) killIfStillRunning(sessionID string, t *turn) {
	r.mu.Lock()
	current, stillRunning := r.sessions[sessionID]
	r.mu.Unlock()
	if !stillRunning || current != t {
		return
	}
	r.log.Debug("pty stop grace period elapsed, killing turn", zap.String("session_id", sessionID))
	t.cancel()
	_ = t.proc.Kill()
}

// UpdatePermissionMode only accepts bypass; any other value is rejected the
// same way Start rejects it.
func (r *Runner) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	if mode != session.ApprovalBypass {
		return ErrInteractiveApprovalUnsupported
	}
	return nil
}

func (r *Runner) spawnTurn(ctx context.Context, sessionID, directory, prompt string) error {
	turnCtx, cancel := context.WithCancel(context.Background())

	proc, err := r.exec.StartPTY(turnCtx, executor.Spec{Command: r.command, Dir: directory, Env: os.Environ()}, defaultCols, defaultRows)
	if err != nil {
		cancel()
		return fmt.Errorf("spawning pty agent: %w", err)
	}

	t := &turn{proc: proc, cancel: cancel}
	r.mu.Lock()
	r.sessions[sessionID] = t
	r.mu.Unlock()

	r.sink.OnHeader(ctx, sessionID, runner.Header{Title: r.command[0], Provider: "pty-passthrough"})

	go r.readOutput(sessionID, t)
	go r.wait(sessionID, t)

	if prompt != "" {
		if _, err := proc.Write([]byte(prompt + "\n")); err != nil {
			return fmt.Errorf("writing initial prompt: %w", err)
		}
	}
	t.resetIdleTimer(r.idleTimeout, func() { r.completeTurn(sessionID, t) })

	return nil
}

func (r *Runner) readOutput(sessionID string, t *turn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.proc.Read(buf)
		if n > 0 {
			data := buf[:n]
			r.sink.OnOutput(context.Background(), sessionID, "stdout", string(data), runner.OutputStep, false)

			t.mu.Lock()
			t.recent.Write(data)
			if t.recent.Len() > recentWindowBytes {
				trimmed := t.recent.Bytes()[t.recent.Len()-recentWindowBytes:]
				t.recent.Reset()
				t.recent.Write(trimmed)
			}
			matched := r.promptPattern != nil && r.promptPattern.Match(t.recent.Bytes())
			if matched {
				t.recent.Reset()
			}
			t.mu.Unlock()

			t.resetIdleTimer(r.idleTimeout, func() { r.completeTurn(sessionID, t) })
			if matched {
				r.completeTurn(sessionID, t)
			}
		}
		if err != nil {
			return
		}
	}
}

// completeTurn reports a turn boundary at most once per turn — the idle
// timer and a prompt-pattern match can both race to call it for the same
// turn, and SendInput clears the flag to re-arm it for the next one. It
// never kills the process: the pty child stays alive across turns, unlike
// the ACP subprocess-per-prompt lifecycle, since there is no clean respawn
// point in a TUI passthrough.
func (r *Runner) completeTurn(sessionID string, t *turn) {
	t.mu.Lock()
	if t.awaiting {
		t.mu.Unlock()
		return
	}
	t.awaiting = true
	t.mu.Unlock()

	r.sink.OnAwaitingInput(context.Background(), sessionID)
}

func (t *turn) resetIdleTimer(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(d, fn)
}

func (r *Runner) wait(sessionID string, t *turn) {
	exitCode, _ := t.proc.Wait(context.Background())

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.sink.OnOutput(context.Background(), sessionID, "stdout", "", runner.OutputFinal, true)

	if r.rt.IsStopRequested(sessionID) {
		r.sink.OnExit(context.Background(), sessionID, exitCode)
		return
	}

	r.log.Debug("pty agent exited", zap.String("session_id", sessionID), zap.Int("exit_code", exitCode))
	r.sink.OnExit(context.Background(), sessionID, exitCode)
}

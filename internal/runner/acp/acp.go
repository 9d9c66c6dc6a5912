// Package acp implements the primary concrete subprocess-per-turn runner
// against the Agent Client Protocol: JSON-RPC 2.0 over the child's
// stdin/stdout, with stderr used only for diagnostics. Grounded on an
// internal/agentctl/acp/client.go (the acp.Client implementation) and
// internal/agentctl/adapter/acp_adapter.go (the connection lifecycle),
// generalized to drive one short-lived child per turn instead of one
// long-lived child per session, and to classify text/tool blocks
// step-vs-final as they arrive.
package acp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/runner/executor"
	"github.com/kandev/relay/internal/session"
)

// Runner drives ACP-speaking agent binaries (Claude Code, Gemini, OpenCode
// in ACP mode, …) as short-lived subprocesses.
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

// turn tracks the live child process and ACP connection for one in-flight
// turn of one core session.
type turn struct {
	proc   executor.Process
	conn   *acp.ClientSideConnection
	client *client
	acpID  string
	cancel context.CancelFunc
}

// NewRunner builds an ACP Runner. command is the agent binary invocation
// (e.g. ["claude-code-acp"]); exec decides where that binary actually runs
// (host, Docker, Sprites). stopGrace bounds how long Stop waits for the ACP
// Cancel notification to end the turn on its own before the child is killed
// outright; zero means kill immediately.
func NewRunner(command []string, exec executor.Executor, stopGrace time.Duration, log *logger.Logger) runner.Factory {
	return func(sink runner.Sink, rt runner.RuntimeAccessor) runner.Runner {
		return &Runner{command: command, exec: exec, sink: sink, rt: rt, log: log, stopGrace: stopGrace, sessions: make(map[string]*turn)}
	}
}

func (r *Runner) Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error {
	return r.spawnTurn(ctx, sessionID, directory, resumeHint, initialPrompt, mode)
}

func (r *Runner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	t, inFlight := r.sessions[sessionID]
	r.mu.Unlock()

	if !inFlight {
		// No turn in flight: this is treated the same as Start for a
		// clean-state session, but Start already handles that path in the
		// Dispatcher — reaching here means the prior turn already finished
		// and the Dispatcher raced ahead of OnAwaitingInput; queue it.
		r.rt.EnqueueInput(sessionID, text)
		return nil
	}

	// A turn is in flight: queue for the respawn after it completes.
	r.rt.EnqueueInput(sessionID, text)
	_ = t // current turn keeps running; nothing else to do here
	return nil
}

// Stop asks the running turn to cancel cooperatively and gives it stopGrace
// to exit on its own before the child is killed outright.
func (r *Runner) Stop(ctx context.Context, sessionID string) error {
	r.rt.SetStopRequested(sessionID, true)

	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if t.conn != nil && t.acpID != "" {
		_ = t.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(t.acpID)})
	}

	if r.stopGrace <= 0 {
		t.cancel()
		return nil
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
	r.log.Debug("acp stop grace period elapsed, killing turn", zap.String("session_id", sessionID))
	t.cancel()
}

func (r *Runner) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	// ACP negotiates permission handling per request via RequestPermission;
	// approval_mode only changes how this runner's client auto-answers those
	// requests (see client.RequestPermission), recorded on the live turn.
	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		t.client.setMode(mode)
	}
	return nil
}

// spawnTurn launches one child process for one turn, opens the ACP
// connection, resumes or creates the session, and issues the prompt. It
// blocks the caller only long enough to confirm the child is reachable; the
// turn itself runs to completion in a goroutine that respawns on queued
// input
func (r *Runner) spawnTurn(ctx context.Context, sessionID, directory, resumeHint, prompt string, mode session.ApprovalMode) error {
	turnCtx, cancel := context.WithCancel(context.Background())

	proc, err := r.exec.Start(turnCtx, executor.Spec{Command: r.command, Dir: directory, Env: os.Environ()})
	if err != nil {
		cancel()
		return fmt.Errorf("spawning acp agent: %w", err)
	}

	c := newClient(directory, mode, r.sink, sessionID, r.log)
	conn := acp.NewClientSideConnection(c, proc.Stdin(), proc.Stdout())
	conn.SetLogger(slog.Default().With("component", "acp-conn", "session_id", sessionID))

	t := &turn{proc: proc, conn: conn, client: c, cancel: cancel}
	r.mu.Lock()
	r.sessions[sessionID] = t
	r.mu.Unlock()

	go r.drainStderr(sessionID, proc.Stderr())

	acpSessionID := resumeHint
	if acpSessionID != "" {
		if _, err := conn.LoadSession(turnCtx, acp.LoadSessionRequest{SessionId: acp.SessionId(acpSessionID)}); err != nil {
			r.log.Warn("resuming acp session failed, starting fresh", zap.String("session_id", sessionID), zap.Error(err))
			acpSessionID = ""
		}
	}
	if acpSessionID == "" {
		resp, err := conn.NewSession(turnCtx, acp.NewSessionRequest{Cwd: directory, McpServers: []acp.McpServer{}})
		if err != nil {
			t.cancel()
			return fmt.Errorf("creating acp session: %w", err)
		}
		acpSessionID = string(resp.SessionId)
	}
	t.acpID = acpSessionID

	r.sink.OnHeader(ctx, sessionID, runner.Header{
		Title: filepath.Base(r.command[0]), Provider: "acp", RunnerSessionID: acpSessionID,
	})

	go r.runTurn(turnCtx, sessionID, t, prompt)
	return nil
}

// runTurn issues the prompt, waits for the child to exit, then either
// reports exit or drains the queue and respawns.
func (r *Runner) runTurn(ctx context.Context, sessionID string, t *turn, prompt string) {
	_, err := t.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(t.acpID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})
	if err != nil {
		r.sink.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
	} else {
		// The agent's last AgentMessageChunk before Prompt returned is the
		// final block of this turn ; flush it as output_final
		// now that we know no further tool-use followed it.
		r.sink.OnOutput(ctx, sessionID, "assistant", "", runner.OutputFinal, true)
	}

	exitCode, _ := t.proc.Wait(ctx)
	r.finalizeTurnExit(ctx, sessionID, t, exitCode)
}

// finalizeTurnExit drops the live turn and decides the session's next state:
// a pending Stop wins over everything else and is reported to the sink
// as-is, a queued follow-up respawns a fresh turn, and otherwise the
// session is reported awaiting input. stop_requested is read but never
// cleared here — only Dispatcher.OnExit owns that reset, since it is the
// one that decides whether the exit lands in AWAITING_INPUT or ERROR.
func (r *Runner) finalizeTurnExit(ctx context.Context, sessionID string, t *turn, exitCode int) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if r.rt.IsStopRequested(sessionID) {
		r.sink.OnExit(ctx, sessionID, exitCode)
		return
	}
	if next, ok := r.rt.DequeueInput(sessionID); ok {
		if err := r.spawnTurn(context.Background(), sessionID, t.client.directory, t.acpID, next, t.client.currentMode()); err != nil {
			r.sink.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
		}
		return
	}
	r.sink.OnAwaitingInput(ctx, sessionID)
}

func (r *Runner) drainStderr(sessionID string, stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			r.log.Debug("acp agent stderr", zap.String("session_id", sessionID), zap.ByteString("chunk", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

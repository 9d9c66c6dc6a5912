package executor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/kandev/relay/internal/logger"
)

// LocalExecutor forks and execs the agent binary directly on the host, the
// default executor and the only one most deployments need. Grounded on a
// launcher.Launcher subprocess-management pattern
// (internal/agentctl/client/launcher/launcher.go), generalized from "spawn
// agentctl once" to "spawn an arbitrary per-turn child".
type LocalExecutor struct {
	log *logger.Logger
}

// NewLocalExecutor builds the default host-local Executor.
func NewLocalExecutor(log *logger.Logger) *LocalExecutor {
	return &LocalExecutor{log: log}
}

func (e *LocalExecutor) Name() Name { return NameLocal }

func (e *LocalExecutor) HealthCheck(ctx context.Context) error { return nil }

func (e *LocalExecutor) Start(ctx context.Context, spec Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("executor: empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	return &localProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// localProcess wraps an *exec.Cmd so Wait is only ever called once (calling
// cmd.Wait twice panics), guarding every spawn site's reap path.
type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	once     sync.Once
	exitCode int
	waitErr  error
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }

func (p *localProcess) Wait(ctx context.Context) (int, error) {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
	})
	return p.exitCode, p.waitErr
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

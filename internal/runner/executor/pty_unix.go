//go:build !windows

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// StartPTY runs spec.Command attached to a host pty, grounded on an
// internal/agentctl/server/process/pty_unix.go shape
// (pty.StartWithSize wrapping cmd.Start).
func (e *LocalExecutor) StartPTY(ctx context.Context, spec Spec, cols, rows int) (PTYProcess, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("executor: empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("starting pty: %w", err)
	}

	return &localPTYProcess{cmd: cmd, f: f}, nil
}

type localPTYProcess struct {
	cmd *exec.Cmd
	f   *os.File

	once     sync.Once
	exitCode int
	waitErr  error
}

func (p *localPTYProcess) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *localPTYProcess) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *localPTYProcess) Close() error                { return p.f.Close() }

func (p *localPTYProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localPTYProcess) Wait(ctx context.Context) (int, error) {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
	})
	return p.exitCode, p.waitErr
}

func (p *localPTYProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

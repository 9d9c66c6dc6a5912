//go:build windows

package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/UserExistsError/conpty"
)

// StartPTY runs spec.Command attached to a Windows ConPTY pseudo-console,
// grounded on an internal/agentctl/server/process/pty_windows.go shape:
// ConPTY owns process creation, so the command and its arguments are joined
// into a single escaped command line rather than passed to exec.Command.
func (e *LocalExecutor) StartPTY(ctx context.Context, spec Spec, cols, rows int) (PTYProcess, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("executor: empty command")
	}

	cmdLine := buildWindowsCmdLine(spec.Command)

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if spec.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(spec.Dir))
	}
	if spec.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(spec.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, fmt.Errorf("starting conpty: %w", err)
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("finding conpty process %d: %w", pid, err)
	}

	return &windowsPTYProcess{cpty: cpty, proc: proc}, nil
}

type windowsPTYProcess struct {
	cpty *conpty.ConPty
	proc *os.Process

	once     sync.Once
	exitCode int
	waitErr  error
}

func (p *windowsPTYProcess) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTYProcess) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTYProcess) Close() error                { return p.cpty.Close() }

func (p *windowsPTYProcess) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

func (p *windowsPTYProcess) Wait(ctx context.Context) (int, error) {
	p.once.Do(func() {
		state, err := p.proc.Wait()
		p.waitErr = err
		if state != nil {
			p.exitCode = state.ExitCode()
		}
	})
	return p.exitCode, p.waitErr
}

func (p *windowsPTYProcess) Kill() error {
	if p.proc == nil {
		return nil
	}
	return p.proc.Kill()
}

// buildWindowsCmdLine joins command arguments into a single command-line
// string with CommandLineToArgvW-compatible quoting, following the same
// escaping rules as syscall.EscapeArg on Windows.
func buildWindowsCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeWindowsArg(arg)
	}
	return strings.Join(escaped, " ")
}

func escapeWindowsArg(s string) string {
	if len(s) == 0 {
		return `""`
	}

	needsBackslash := false
	hasSpace := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			needsBackslash = true
		case ' ', '\t':
			hasSpace = true
		}
	}

	if !needsBackslash && !hasSpace {
		return s
	}
	if !needsBackslash {
		return `"` + s + `"`
	}

	var b []byte
	if hasSpace {
		b = append(b, '"')
	}
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		default:
			slashes = 0
		case '\\':
			slashes++
		case '"':
			for ; slashes > 0; slashes-- {
				b = append(b, '\\')
			}
			b = append(b, '\\')
		}
		b = append(b, c)
	}
	if hasSpace {
		for ; slashes > 0; slashes-- {
			b = append(b, '\\')
		}
		b = append(b, '"')
	}
	return string(b)
}

package executor

import (
	"context"
	"errors"
	"io"
)

// PTYProcess is a handle to a child attached to a real pseudo-terminal: a
// single combined read/write stream plus window resize, unlike Process's
// separate stdin/stdout/stderr pipes. Only a subset of Executors can satisfy
// this — containerized/remote executors need their own TTY-attach path,
// deferred until a deployment actually needs raw CLI passthrough in Docker
// or Sprites (see DESIGN.md).
type PTYProcess interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	Wait(ctx context.Context) (int, error)
	Kill() error
}

// PTYExecutor is implemented by Executors that can attach a child to a real
// pty instead of plain pipes, required by the raw-CLI-passthrough runner
// variant.
type PTYExecutor interface {
	StartPTY(ctx context.Context, spec Spec, cols, rows int) (PTYProcess, error)
}

// ErrNoPTYSupport is returned when a runner variant requiring a real pty is
// configured against an Executor that cannot provide one.
var ErrNoPTYSupport = errors.New("executor: does not support pty attachment")

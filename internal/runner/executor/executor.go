// Package executor abstracts how a subprocess-variant runner reaches the
// actual child process: local fork/exec, a Docker container, or a remote
// Sprites.dev sandbox. The Executor only changes how the process is started
// and reached — the wire protocol spoken over its stdio and the sink
// callbacks a runner drives from it are unaffected, preserving the uniform
// Runner Protocol across every backend.
package executor

import (
	"context"
	"errors"
	"io"
)

// Name identifies which concrete Executor an adapter is using.
type Name string

const (
	NameLocal   Name = "local"
	NameDocker  Name = "docker"
	NameSprites Name = "sprites"
)

// ErrUnavailable is returned by HealthCheck when the executor's backend
// cannot be reached (Docker daemon down, Sprites API unreachable).
var ErrUnavailable = errors.New("executor: backend unavailable")

// Spec describes the child process to launch, independent of where it runs.
type Spec struct {
	Command []string
	Env     []string
	Dir     string
}

// Process is a handle to a launched child, uniform across executors: local
// processes, Docker containers, and remote sprites all expose the same
// stdin/stdout/stderr/wait/kill shape.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Kill forcibly terminates the process. Safe to call after Wait has
	// already returned.
	Kill() error
}

// Executor starts a Spec and returns a handle to the running Process. Every
// spawn site using an Executor must guarantee the returned Process is
// eventually Wait()ed or Kill()ed — unreaped children become zombies
// (local) or billed idle containers/sandboxes (Docker/Sprites).
type Executor interface {
	Name() Name
	HealthCheck(ctx context.Context) error
	Start(ctx context.Context, spec Spec) (Process, error)
}

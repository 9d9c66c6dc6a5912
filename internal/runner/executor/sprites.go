package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/logger"
)

// SpritesExecutor runs the agent child in a remote Sprites.dev sandbox,
// grounded on a SpritesExecutor (executor_sprites.go) shape: a
// sprites.Client creates a fresh, uniquely named sprite on every Start and
// `sprite.CommandContext`
// exposes the same Start/StdoutPipe/StderrPipe/Wait shape as os/exec.Cmd,
// which is why it fits the Executor.Process contract directly.
type SpritesExecutor struct {
	cfg config.SpritesConfig
	log *logger.Logger

	mu      sync.Mutex
	client  *sprites.Client
}

// NewSpritesExecutor builds a SpritesExecutor. The API client connects
// lazily on first Start.
func NewSpritesExecutor(cfg config.SpritesConfig, log *logger.Logger) *SpritesExecutor {
	return &SpritesExecutor{cfg: cfg, log: log.With(zap.String("executor", "sprites"))}
}

func (e *SpritesExecutor) Name() Name { return NameSprites }

func (e *SpritesExecutor) ensureClient() (*sprites.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	if e.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: sprites.apiKey not configured", ErrUnavailable)
	}
	e.client = sprites.New(e.cfg.APIKey)
	return e.client, nil
}

func (e *SpritesExecutor) HealthCheck(ctx context.Context) error {
	_, err := e.ensureClient()
	return err
}

func (e *SpritesExecutor) Start(ctx context.Context, spec Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("executor: empty command")
	}

	client, err := e.ensureClient()
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("relay-%x", time.Now().UnixNano())
	sprite, err := client.CreateSprite(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("creating sprite: %w", err)
	}

	cmd := sprite.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening sprite stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening sprite stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening sprite stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting sprite command: %w", err)
	}

	return &spritesProcess{sprite: sprite, cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type spritesProcess struct {
	sprite *sprites.Sprite
	cmd    *sprites.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	once     sync.Once
	exitCode int
	waitErr  error
}

func (p *spritesProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *spritesProcess) Stdout() io.Reader     { return p.stdout }
func (p *spritesProcess) Stderr() io.Reader     { return p.stderr }

func (p *spritesProcess) Wait(ctx context.Context) (int, error) {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.exitCode = p.cmd.ExitCode()
	})
	return p.exitCode, p.waitErr
}

func (p *spritesProcess) Kill() error {
	return p.cmd.Process.Kill()
}

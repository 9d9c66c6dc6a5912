package executor

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/logger"
)

// DockerExecutor runs the agent child inside a freshly created container
// instead of on the host, for sandboxed or remote-Docker-daemon deployments.
// Grounded on a docker.Client.CreateContainerInteractive +
// AttachContainer pair (internal/agent/docker/client.go): a non-tty
// container with stdin/stdout/stderr attached, demultiplexed per Docker's
// stream-framing format.
type DockerExecutor struct {
	cfg config.DockerConfig
	log *logger.Logger

	mu       sync.Mutex
	initOnce bool
	cli      *dockerclient.Client
}

// NewDockerExecutor builds a DockerExecutor. The Docker client connects
// lazily on first Start so a misconfigured/unreachable daemon doesn't fail
// process startup — only the first session that actually needs Docker.
func NewDockerExecutor(cfg config.DockerConfig, log *logger.Logger) *DockerExecutor {
	return &DockerExecutor{cfg: cfg, log: log.With(zap.String("executor", "docker"))}
}

func (e *DockerExecutor) Name() Name { return NameDocker }

func (e *DockerExecutor) ensureClient() (*dockerclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initOnce {
		return e.cli, nil
	}

	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if e.cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(e.cfg.Host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.cli = cli
	e.initOnce = true
	return cli, nil
}

func (e *DockerExecutor) HealthCheck(ctx context.Context) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (e *DockerExecutor) Start(ctx context.Context, spec Spec) (Process, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image:        e.cfg.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		WorkingDir:   spec.Dir,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{AutoRemove: true}

	created, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	attach, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container: %w", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go demultiplex(attach.Reader, stdoutW, stderrW)

	return &dockerProcess{
		cli:         cli,
		containerID: created.ID,
		conn:        attach.Conn,
		stdout:      stdoutR,
		stderr:      stderrR,
	}, nil
}

// demultiplex splits Docker's multiplexed attach stream (an 8-byte header
// per frame: 1 stream-type byte, 3 reserved, 4 big-endian length) into
// separate stdout/stderr pipes, per a reference demultiplexStream.
func demultiplex(r io.Reader, stdout, stderr io.WriteCloser) {
	defer stdout.Close()
	defer stderr.Close()

	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header[4:8])
		frame := io.LimitReader(r, int64(size))
		switch header[0] {
		case 2:
			if _, err := io.Copy(stderr, frame); err != nil {
				return
			}
		default:
			if _, err := io.Copy(stdout, frame); err != nil {
				return
			}
		}
	}
}

type dockerProcess struct {
	cli         *dockerclient.Client
	containerID string
	conn        io.Writer
	stdout      io.Reader
	stderr      io.Reader

	once     sync.Once
	exitCode int
	waitErr  error
}

func (p *dockerProcess) Stdin() io.WriteCloser { return nopWriteCloser{p.conn} }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	p.once.Do(func() {
		statusCh, errCh := p.cli.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			p.waitErr = err
		case status := <-statusCh:
			p.exitCode = int(status.StatusCode)
		}
	})
	return p.exitCode, p.waitErr
}

func (p *dockerProcess) Kill() error {
	return p.cli.ContainerKill(context.Background(), p.containerID, "SIGKILL")
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

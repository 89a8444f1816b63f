package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend starts worker subprocesses as short-lived Docker
// containers, one of the two agent runtimes the teacher's own system
// treats as first-class (the other is a bare os/exec launch, see
// ExecBackend).
type DockerBackend struct {
	cli   *client.Client
	Image string
	Cmd   []string
}

// NewDockerBackend builds a DockerBackend against the given Docker
// host, running image for every Spawn call.
func NewDockerBackend(host string, image string, cmd []string) (*DockerBackend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerBackend{cli: cli, Image: image, Cmd: cmd}, nil
}

// Spawn creates, starts, and attaches to a container running prompt
// through stdin, with workDir bind-mounted read-write.
func (b *DockerBackend) Spawn(ctx context.Context, prompt string, workDir string, opts SpawnOptions) (Process, string, error) {
	containerCfg := &container.Config{
		Image:        b.Image,
		Cmd:          b.Cmd,
		Env:          opts.Env,
		WorkingDir:   "/workspace",
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &container.HostConfig{
		Binds:      []string{workDir + ":/workspace"},
		AutoRemove: false,
	}

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, "", fmt.Errorf("failed to start container: %w", err)
	}

	go func() {
		defer attach.CloseWrite()
		_, _ = io.WriteString(attach.Conn, prompt)
	}()

	var stdout, stderr bytes.Buffer
	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		demuxDone <- err
	}()

	return &dockerProcess{
		cli:         b.cli,
		containerID: resp.ID,
		attach:      attach,
		stdout:      &stdout,
		stderr:      &stderr,
		demuxDone:   demuxDone,
	}, fmt.Sprintf("docker run %s %v", b.Image, b.Cmd), nil
}

type dockerProcess struct {
	cli         *client.Client
	containerID string
	attach      types.HijackedResponse
	stdout      io.Reader
	stderr      io.Reader
	demuxDone   chan error
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait() error {
	ctx := context.Background()
	statusCh, errCh := p.cli.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		<-p.demuxDone
		if status.StatusCode != 0 {
			return fmt.Errorf("container exited with status %d", status.StatusCode)
		}
		return nil
	}
}

func (p *dockerProcess) Kill(sig syscall.Signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.cli.ContainerKill(ctx, p.containerID, sig.String())
}

func (p *dockerProcess) Pid() int { return 0 }

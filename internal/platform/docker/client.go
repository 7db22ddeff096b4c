package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/rp2g/internal/domain"
)

// DefaultMountPoint is where the job directory appears inside the container.
const DefaultMountPoint = "/job"

// cleanupTimeout bounds the calls made after the job context is gone (kill, remove).
const cleanupTimeout = 30 * time.Second

// Options configures the container launcher.
type Options struct {
	// Image holds the conversion tool.
	Image string
	// MemoryBytes is a hard memory limit applied through cgroups. Zero means unlimited.
	MemoryBytes int64
	// Pull fetches the image when the client is created.
	Pull bool
	// MountPoint overrides DefaultMountPoint.
	MountPoint string
}

// Client wraps the official Docker SDK client and runs the conversion tool in
// ephemeral containers.
type Client struct {
	cli  *client.Client
	opts Options
}

// Check if Client implements domain.Launcher
var _ domain.Launcher = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) and, if requested, pulls the image.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Image == "" {
		return nil, errors.New("docker image is required")
	}
	if opts.MountPoint == "" {
		opts.MountPoint = DefaultMountPoint
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}

	if opts.Pull {
		slog.Info("Pulling image", "image", opts.Image)
		reader, err := cli.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("pulling image %s: %w", opts.Image, err)
		}
		// Drain the response body to ensure the pull completes properly.
		_, err = io.Copy(io.Discard, reader)
		_ = reader.Close()
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("pulling image %s: %w", opts.Image, err)
		}
	}

	slog.Info("Docker Client initialized successfully", "image", opts.Image)
	return &Client{cli: cli, opts: opts}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Launch runs the command in a new container with cmd.Dir bind-mounted as its working
// directory. The container has no network and runs as the calling user so the files it
// writes can be removed by the server.
func (c *Client) Launch(ctx context.Context, cmd domain.Command) (domain.Process, error) {
	// 1. Create Container with Limits
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:        c.opts.Image,
		Cmd:          append([]string{cmd.Path}, cmd.Args...),
		WorkingDir:   c.opts.MountPoint,
		User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Binds:       []string{cmd.Dir + ":" + c.opts.MountPoint},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: c.opts.MemoryBytes,
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	slog.Debug("Container created", "containerID", resp.ID)

	p := &containerProcess{cli: c.cli, id: resp.ID}

	// 2. Attach before starting so no output is lost.
	attach, err := c.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, fmt.Errorf("attaching to container: %w", err)
	}
	p.closeAttach = attach.Close

	// The stream is multiplexed because the container has no TTY; keep stderr only.
	pr, pw := io.Pipe()
	p.stderr = pr
	go func() {
		_, err := stdcopy.StdCopy(io.Discard, pw, attach.Reader)
		_ = pw.CloseWithError(err)
	}()

	// 3. Start
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		p.remove()
		return nil, fmt.Errorf("starting container: %w", err)
	}
	return p, nil
}

type containerProcess struct {
	cli         *client.Client
	id          string
	stderr      io.Reader
	closeAttach func()

	removeOnce sync.Once
}

func (p *containerProcess) Stderr() io.Reader {
	return p.stderr
}

func (p *containerProcess) Wait() (int, error) {
	defer p.remove()
	defer p.closeAttach()

	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container %s: %w", p.id, err)
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("waiting for container %s: %s", p.id, status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := p.cli.ContainerKill(ctx, p.id, "KILL"); err != nil {
		return fmt.Errorf("killing container %s: %w", p.id, err)
	}
	return nil
}

func (p *containerProcess) remove() {
	p.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("Failed to remove container", "containerID", p.id, "error", err)
		}
	})
}

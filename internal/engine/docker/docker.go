// Package docker implements the engine.Engine interface using the local
// Docker daemon. It exists so workflows can be exercised against a real
// registered runner without cloud spend: the "instance" is a container of
// the official actions-runner image that configures itself with the
// generated label and registration token.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/msand/ec2-github-runner/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for the runner.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// RepoURL is the repository the runner registers to,
	// e.g. "https://github.com/org/repo".
	RepoURL string

	// WaitTimeout bounds WaitRunning. Default: 1 minute; containers
	// either run promptly or not at all.
	WaitTimeout time.Duration
}

// Engine manages a single GitHub Actions runner as a Docker container.
type Engine struct {
	client *dockerclient.Client
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// runner image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = time.Minute
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("runner image ready", slog.String("image", cfg.Image))

	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Launch creates and starts a container whose entry command registers the
// runner under the generated label and starts it. The container id is the
// opaque instance id.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	name := "runner-" + spec.Label

	// The actions-runner image ships the runner preinstalled; configure
	// and run it directly instead of executing the VM boot script.
	cmd := fmt.Sprintf(
		"./config.sh --url %s --token %s --labels %s --name %s --unattended && ./run.sh",
		e.cfg.RepoURL, spec.RegistrationToken, spec.Label, name,
	)

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: e.cfg.Image,
			Cmd:   []string{"/bin/bash", "-c", cmd},
		},
		nil, // host config
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	e.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("container_id", resp.ID),
	)

	return resp.ID, nil
}

// WaitRunning polls the container state until it reports running.
func (e *Engine) WaitRunning(ctx context.Context, id string) error {
	deadline := time.Now().Add(e.cfg.WaitTimeout)
	for {
		inspect, err := e.client.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("container inspect %s: %w", id, err)
		}
		if inspect.State != nil && inspect.State.Running {
			e.logger.Info("runner container is running", slog.String("container_id", id))
			return nil
		}
		if inspect.State != nil && inspect.State.Dead {
			return &engine.UnexpectedStateError{Op: "wait for " + id, State: inspect.State.Status}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("container %s did not reach running state within %s", id, e.cfg.WaitTimeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for container %s: %w", id, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Terminate force-removes the container. An already-removed container is
// not an error.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	e.logger.Info("removing runner container", slog.String("container_id", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			e.logger.Info("runner container already removed", slog.String("container_id", id))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}

	return nil
}

// Close releases the daemon connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

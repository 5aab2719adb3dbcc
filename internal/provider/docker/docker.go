// Package docker implements the provider.Provider interface using the
// Docker daemon to run ephemeral GitHub Actions runners as containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pharindoko/cdk-github-runners/internal/provider"
)

// Config holds Docker-specific settings.
type Config struct {
	// Label is the runner label this provider answers to.
	Label string

	// Image is the container image to use for runners.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon. Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool
}

// containerAPI is the subset of the Docker client the provider uses.
// Narrowed so tests can substitute a mock.
type containerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Provider materializes work units that launch runner containers.
type Provider struct {
	client containerAPI
	cfg    Config
	logger *slog.Logger

	// The runner image is pulled once, on first launch, so that
	// Materialize stays a pure configuration-time operation.
	pullOnce sync.Once
	pullErr  error
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates a Docker provider. The daemon is not contacted here --
// the image pull is deferred to the first launch.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Label == "" {
		return nil, fmt.Errorf("docker provider: label is required")
	}
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return newProvider(client, cfg, logger), nil
}

// newProvider wires a provider onto an existing client. Used by New and
// by tests.
func newProvider(client containerAPI, cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Label returns the runner label this provider serves.
func (p *Provider) Label() string { return p.cfg.Label }

// Principal returns "" -- the local Docker daemon has no grantable
// execution identity.
func (p *Provider) Principal() string { return "" }

// Network returns the zero Network: containers share the host's
// connectivity.
func (p *Provider) Network() provider.Network { return provider.Network{} }

// Materialize returns a work unit carrying the parameter bundle. The
// references are plumbed through untouched -- the engine resolves them
// at launch time.
func (p *Provider) Materialize(params provider.RuntimeParams) (provider.WorkUnit, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("docker provider %s: %w", p.cfg.Label, err)
	}
	return &workUnit{provider: p, bundle: params.Bundle()}, nil
}

// ensureImage pulls the runner image exactly once.
func (p *Provider) ensureImage(ctx context.Context) error {
	p.pullOnce.Do(func() {
		p.logger.Info("pulling runner image", slog.String("image", p.cfg.Image))

		pull, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
		if err != nil {
			p.pullErr = fmt.Errorf("image pull %s: %w", p.cfg.Image, err)
			return
		}
		// Drain and close the pull stream so the image is fully downloaded.
		if _, err := io.ReadAll(pull); err != nil {
			p.pullErr = fmt.Errorf("reading image pull response: %w", err)
			return
		}
		if err := pull.Close(); err != nil {
			p.pullErr = fmt.Errorf("closing image pull stream: %w", err)
			return
		}

		p.logger.Info("runner image ready", slog.String("image", p.cfg.Image))
	})
	return p.pullErr
}

// ---------------------------------------------------------------------------
// Work unit
// ---------------------------------------------------------------------------

type workUnit struct {
	provider *Provider
	bundle   map[string]string
}

func (w *workUnit) Bundle() map[string]string { return w.bundle }

// Launch creates and starts a container whose environment is the
// resolved parameter bundle.
func (w *workUnit) Launch(ctx context.Context, env map[string]string) (string, error) {
	p := w.provider

	if err := p.ensureImage(ctx); err != nil {
		return "", err
	}

	name := env[provider.ParamRunnerName]

	envSlice := make([]string, 0, len(env)+2)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, env[k]))
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does. Running as root works on both.
	user := "runner"
	var hostCfg *container.HostConfig
	if p.cfg.Dind {
		user = "root"
		envSlice = append(envSlice,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: p.cfg.Image,
			User:  user,
			Cmd:   []string{"/home/runner/run.sh"},
			Env:   envSlice,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	p.logger.Info("runner container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// Wait blocks until the container stops. A worker runs exactly one job
// and exits, so container exit is job completion.
func (w *workUnit) Wait(ctx context.Context, id string) error {
	statusCh, errCh := w.provider.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("container wait %s: %w", id, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			w.provider.logger.Warn("runner container exited non-zero",
				slog.String("containerID", id),
				slog.Int64("exitCode", status.StatusCode),
			)
		}
		return nil
	}
}

// Destroy force-removes the container. Removing an already-gone
// container is not an error.
func (w *workUnit) Destroy(ctx context.Context, id string) error {
	w.provider.logger.Info("destroying runner container", slog.String("containerID", id))

	if err := w.provider.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

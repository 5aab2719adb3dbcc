//go:build integration

package docker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/pharindoko/cdk-github-runners/internal/provider"
)

// DockerDaemonSuite tests the Docker provider against a real Docker
// daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/provider/docker/ -tags integration -v
type DockerDaemonSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests. Its entrypoint
	// exits immediately, which stands in for "the worker ran one job
	// and finished".
	testImage string
}

func (s *DockerDaemonSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	_, err = cli.Ping(context.Background())
	require.NoError(s.T(), err, "Docker daemon must be reachable")
}

func (s *DockerDaemonSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerDaemonSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 120*time.Second)
}

func (s *DockerDaemonSuite) TearDownTest() {
	s.cancel()
}

func TestDockerDaemonSuite(t *testing.T) {
	suite.Run(t, new(DockerDaemonSuite))
}

// newTestProvider wires a provider onto the real Docker client with the
// alpine test image.
func (s *DockerDaemonSuite) newTestProvider() *Provider {
	return newProvider(s.docker, Config{
		Label: "self-hosted",
		Image: s.testImage,
	}, s.logger)
}

func (s *DockerDaemonSuite) materialize(p *Provider) provider.WorkUnit {
	wu, err := p.Materialize(provider.RuntimeParams{
		Token:        "$.runnerToken",
		Name:         "$.runnerName",
		Label:        "self-hosted",
		SourceDomain: "$.sourceDomain",
		Owner:        "$.ownerAccount",
		Repository:   "$.repository",
	})
	require.NoError(s.T(), err)
	return wu
}

func (s *DockerDaemonSuite) resolvedEnv(name string) map[string]string {
	return map[string]string{
		provider.ParamRunnerToken:  "itest-token",
		provider.ParamRunnerName:   name,
		provider.ParamRunnerLabel:  "self-hosted",
		provider.ParamSourceDomain: "github.com",
		provider.ParamOwnerAccount: "acme",
		provider.ParamRepository:   "widgets",
	}
}

func (s *DockerDaemonSuite) containerExists(id string) bool {
	_, err := s.docker.ContainerInspect(s.ctx, id)
	return err == nil
}

// ---------------------------------------------------------------------------
// Full lifecycle
// ---------------------------------------------------------------------------

func (s *DockerDaemonSuite) TestLaunchWaitDestroy() {
	p := s.newTestProvider()
	wu := s.materialize(p)

	// alpine has no /home/runner/run.sh; the container starts and exits
	// non-zero right away, which the provider treats as job completion.
	id, err := wu.Launch(s.ctx, s.resolvedEnv("itest-lifecycle"))
	require.NoError(s.T(), err)
	assert.True(s.T(), s.containerExists(id))

	require.NoError(s.T(), wu.Wait(s.ctx, id))

	require.NoError(s.T(), wu.Destroy(s.ctx, id))
	assert.False(s.T(), s.containerExists(id))
}

func (s *DockerDaemonSuite) TestLaunchDeliversBundleAsEnv() {
	p := s.newTestProvider()
	wu := s.materialize(p)

	id, err := wu.Launch(s.ctx, s.resolvedEnv("itest-env"))
	require.NoError(s.T(), err)
	defer func() { _ = wu.Destroy(s.ctx, id) }()

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)

	assert.Contains(s.T(), info.Config.Env, "runnerToken=itest-token")
	assert.Contains(s.T(), info.Config.Env, "runnerLabel=self-hosted")
	assert.Contains(s.T(), info.Config.Env, "sourceDomain=github.com")
	assert.Contains(s.T(), info.Config.Env, "ownerAccount=acme")
	assert.Contains(s.T(), info.Config.Env, "repository=widgets")
	assert.Equal(s.T(), "/itest-env", info.Name)
}

// ---------------------------------------------------------------------------
// Idempotent destroy
// ---------------------------------------------------------------------------

func (s *DockerDaemonSuite) TestDestroyIsIdempotent() {
	p := s.newTestProvider()
	wu := s.materialize(p)

	id, err := wu.Launch(s.ctx, s.resolvedEnv("itest-idem"))
	require.NoError(s.T(), err)

	require.NoError(s.T(), wu.Destroy(s.ctx, id))
	require.NoError(s.T(), wu.Destroy(s.ctx, id),
		"destroying an already-gone container is not an error")
}

// ---------------------------------------------------------------------------
// DinD configuration
// ---------------------------------------------------------------------------

func (s *DockerDaemonSuite) TestDindModeSocketMount() {
	p := newProvider(s.docker, Config{
		Label: "self-hosted",
		Image: s.testImage,
		Dind:  true,
	}, s.logger)
	wu := s.materialize(p)

	id, err := wu.Launch(s.ctx, s.resolvedEnv("itest-dind"))
	require.NoError(s.T(), err)
	defer func() { _ = wu.Destroy(s.ctx, id) }()

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)

	assert.Contains(s.T(), info.HostConfig.Binds,
		"/var/run/docker.sock:/var/run/docker.sock")
	assert.Contains(s.T(), info.Config.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	assert.Contains(s.T(), info.Config.Env, "RUNNER_ALLOW_RUNASROOT=1")
	assert.Equal(s.T(), "root", info.Config.User)
}

func (s *DockerDaemonSuite) TestNonDindModeNoSocketMount() {
	p := s.newTestProvider()
	wu := s.materialize(p)

	id, err := wu.Launch(s.ctx, s.resolvedEnv("itest-nodind"))
	require.NoError(s.T(), err)
	defer func() { _ = wu.Destroy(s.ctx, id) }()

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)

	for _, bind := range info.HostConfig.Binds {
		assert.NotContains(s.T(), bind, "docker.sock",
			"non-DinD container should not have Docker socket mount")
	}
}

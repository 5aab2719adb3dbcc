// Package config handles loading, validating, and applying
// configuration for the runner provisioning service.  Configuration is
// read from a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pharindoko/cdk-github-runners/internal/engine"
	"github.com/pharindoko/cdk-github-runners/internal/engine/local"
	"github.com/pharindoko/cdk-github-runners/internal/github"
	"github.com/pharindoko/cdk-github-runners/internal/provider"
	"github.com/pharindoko/cdk-github-runners/internal/provider/docker"
	"github.com/pharindoko/cdk-github-runners/internal/provider/gcp"
	"github.com/pharindoko/cdk-github-runners/internal/secrets"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	GitHub    GitHubConfig     `yaml:"github"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	Engine    EngineConfig     `yaml:"engine"`
	Providers []ProviderConfig `yaml:"providers"`
	Logging   LoggingConfig    `yaml:"logging"`
	OTel      OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig holds the ingestion HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address for the webhook server.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the event-source domain.
type GitHubConfig struct {
	// Domain is the GitHub host runners register against.
	// Default: "github.com".  Set to a GHES domain for enterprise.
	Domain string `yaml:"domain"`

	// Token is a personal access token with repo administration scope.
	Token string `yaml:"token"`

	// TokenPath reads the token from a file.  If both Token and
	// TokenPath are set, Token wins.
	TokenPath string `yaml:"token_path"`
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

// SecretsConfig selects where the webhook shared secret lives.
type SecretsConfig struct {
	// Provider selects the backend: "gcp", "file" or "env".
	Provider string `yaml:"provider"`

	// Ref identifies the secret within the backend: a Secret Manager
	// resource name (projects/P/secrets/S), a file path, or an
	// environment variable name.
	Ref string `yaml:"ref"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig configures the workflow engine behind the dispatcher.
type EngineConfig struct {
	// Type selects the engine.  Only "local" is supported.
	Type string `yaml:"type"`

	// RunTimeout bounds a whole orchestration run.  Default: 1h.
	RunTimeout Duration `yaml:"run_timeout"`

	// DispatchTimeout bounds a single start-run call.  Default: 30s.
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ProviderConfig configures one runner provider.  Exactly one provider
// serves each label; a job is routed to the first configured provider
// whose label appears in the job's label set.
type ProviderConfig struct {
	// Label is the runner label this provider answers to (required).
	Label string `yaml:"label"`

	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerProviderConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPProviderConfig `yaml:"gcp"`
}

// DockerProviderConfig holds Docker-specific provider settings.
type DockerProviderConfig struct {
	// Image is the container image for the runner.  Use ":latest" (default) for
	// the newest release, or pin a specific version (e.g. "ghcr.io/actions/actions-runner:2.323.0").
	// Default: "ghcr.io/actions/actions-runner:latest"
	Image string `yaml:"image"`
	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind"`
}

// GCPProviderConfig holds GCP Compute Engine provider settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPProviderConfig struct {
	// Project is the GCP project ID (required when type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/runner-1234567890"
	//   "projects/my-project/global/images/family/runner"
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	// Default: "" (uses OTEL env vars).
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`

	// PrometheusPort, when > 0, serves Prometheus metrics on /metrics.
	PrometheusPort int `yaml:"prometheus_port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.GitHub.Domain == "" {
		c.GitHub.Domain = "github.com"
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "local"
	}
	if c.Engine.RunTimeout == 0 {
		c.Engine.RunTimeout = Duration(time.Hour)
	}
	if c.Engine.DispatchTimeout == 0 {
		c.Engine.DispatchTimeout = Duration(30 * time.Second)
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "docker" && p.Docker.Image == "" {
			p.Docker.Image = "ghcr.io/actions/actions-runner:latest"
		}
		if p.Type == "gcp" {
			if p.GCP.MachineType == "" {
				p.GCP.MachineType = "e2-medium"
			}
			if p.GCP.DiskSizeGB == 0 {
				p.GCP.DiskSizeGB = 50
			}
			if p.GCP.PublicIP == nil {
				t := true
				p.GCP.PublicIP = &t
			}
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" && !c.OTel.Insecure {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Token == "" && c.GitHub.TokenPath == "" {
		return fmt.Errorf("no credentials: provide github.token or github.token_path")
	}

	switch c.Secrets.Provider {
	case "gcp", "file", "env":
		if c.Secrets.Ref == "" {
			return fmt.Errorf("secrets.ref is required")
		}
	case "":
		return fmt.Errorf("secrets.provider is required (supported: gcp, file, env)")
	default:
		return fmt.Errorf("secrets.provider %q is not supported (supported: gcp, file, env)", c.Secrets.Provider)
	}

	if c.Engine.Type != "local" {
		return fmt.Errorf("engine.type %q is not supported (supported: local)", c.Engine.Type)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Label) == "" {
			return fmt.Errorf("providers[%d].label is required", i)
		}
		if seen[p.Label] {
			return fmt.Errorf("providers[%d]: duplicate label %q", i, p.Label)
		}
		seen[p.Label] = true

		switch p.Type {
		case "docker":
			// OK
		case "gcp":
			if p.GCP.Project == "" {
				return fmt.Errorf("providers[%d].gcp.project is required when type is \"gcp\"", i)
			}
			if p.GCP.Zone == "" {
				return fmt.Errorf("providers[%d].gcp.zone is required when type is \"gcp\"", i)
			}
			if p.GCP.Image == "" {
				return fmt.Errorf("providers[%d].gcp.image is required when type is \"gcp\"", i)
			}
		default:
			return fmt.Errorf("providers[%d].type %q is not supported (supported: docker, gcp)", i, p.Type)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSecretSource creates the webhook secret backend.
func (c *Config) NewSecretSource(ctx context.Context) (secrets.Source, error) {
	switch c.Secrets.Provider {
	case "gcp":
		return secrets.NewGCP(ctx, c.Secrets.Ref)
	case "file":
		return secrets.NewFile(c.Secrets.Ref)
	case "env":
		return secrets.NewEnv(c.Secrets.Ref)
	default:
		return nil, fmt.Errorf("unsupported secrets provider: %s", c.Secrets.Provider)
	}
}

// NewTokenSource creates the GitHub API client used to mint runner
// registration tokens.
func (c *Config) NewTokenSource(logger *slog.Logger) (*github.Client, error) {
	if err := c.resolveToken(); err != nil {
		return nil, err
	}
	return github.NewClient(github.Config{
		Domain: c.GitHub.Domain,
		Token:  c.GitHub.Token,
		Logger: logger.WithGroup("github"),
	})
}

// resolveToken reads the API token from TokenPath if Token is not
// already set.
func (c *Config) resolveToken() error {
	if c.GitHub.Token != "" || c.GitHub.TokenPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.TokenPath)
	if err != nil {
		return fmt.Errorf("reading token from %s: %w", c.GitHub.TokenPath, err)
	}
	c.GitHub.Token = strings.TrimSpace(string(data))
	return nil
}

// NewProviders creates the configured runner providers in declaration
// order and registers them by label.
func (c *Config) NewProviders(ctx context.Context, logger *slog.Logger) (*provider.Registry, error) {
	providers := make([]provider.Provider, 0, len(c.Providers))
	for i, pc := range c.Providers {
		switch pc.Type {
		case "docker":
			p, err := docker.New(docker.Config{
				Label: pc.Label,
				Image: pc.Docker.Image,
				Dind:  pc.Docker.Dind,
			}, logger.WithGroup("provider.docker"))
			if err != nil {
				return nil, fmt.Errorf("providers[%d]: %w", i, err)
			}
			providers = append(providers, p)
		case "gcp":
			p, err := gcp.New(ctx, gcp.Config{
				Label:          pc.Label,
				Project:        pc.GCP.Project,
				Zone:           pc.GCP.Zone,
				MachineType:    pc.GCP.MachineType,
				Image:          pc.GCP.Image,
				DiskSizeGB:     pc.GCP.DiskSizeGB,
				Network:        pc.GCP.Network,
				Subnet:         pc.GCP.Subnet,
				PublicIP:       pc.GCP.PublicIP,
				ServiceAccount: pc.GCP.ServiceAccount,
			}, logger.WithGroup("provider.gcp"))
			if err != nil {
				return nil, fmt.Errorf("providers[%d]: %w", i, err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("providers[%d]: unsupported type %s", i, pc.Type)
		}
	}
	return provider.NewRegistry(providers...)
}

// NewEngine creates the workflow engine selected by engine.type.
func (c *Config) NewEngine(registry *provider.Registry, tokens local.TokenSource, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "local":
		return local.New(local.Config{
			Providers:    registry,
			Tokens:       tokens,
			SourceDomain: c.GitHub.Domain,
			RunTimeout:   time.Duration(c.Engine.RunTimeout),
			Logger:       logger.WithGroup("engine.local"),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// Package gcp implements the provider.Provider interface using Google
// Cloud Compute Engine to run ephemeral GitHub Actions runners as VMs.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/pharindoko/cdk-github-runners/internal/provider"
)

// Config holds GCP-specific provider settings.
type Config struct {
	// Label is the runner label this provider answers to.
	Label string

	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/runner-1234567890"
	//   "projects/my-project/global/images/family/runner"
	Image string

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional). Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional). If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	// nil means the default, true. An explicit false is honored: the
	// VM gets no access config and must reach GitHub through the
	// configured network.
	PublicIP *bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional). If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// operationWaiter abstracts a long-running compute operation so tests
// can substitute a mock.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the Compute Engine instances client the
// provider uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Close() error
}

// realInstances adapts *compute.InstancesClient to instancesAPI.
type realInstances struct {
	client *compute.InstancesClient
}

func (r *realInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.client.Insert(ctx, req, gax.WithTimeout(2*time.Minute))
}

func (r *realInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.client.Delete(ctx, req, gax.WithTimeout(2*time.Minute))
}

func (r *realInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.client.Get(ctx, req)
}

func (r *realInstances) Close() error { return r.client.Close() }

// Provider materializes work units that launch runner VMs.
type Provider struct {
	client   instancesAPI
	cfg      Config
	publicIP bool
	logger   *slog.Logger

	// pollInterval controls how often Wait checks instance status.
	pollInterval time.Duration

	tracer trace.Tracer
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Label == "" {
		return nil, fmt.Errorf("gcp provider: label is required")
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	p := newProvider(&realInstances{client: client}, cfg, logger)

	logger.Info("gcp provider initialized",
		slog.String("label", cfg.Label),
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("image", cfg.Image),
		slog.Bool("public_ip", p.publicIP),
	)

	return p, nil
}

// newProvider wires a provider onto an existing client, applying
// defaults. Used by New and by tests.
func newProvider(client instancesAPI, cfg Config, logger *slog.Logger) *Provider {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" && cfg.Subnet == "" {
		cfg.Network = "default"
	}

	// Default is an external IP; an explicit false stays false.
	publicIP := true
	if cfg.PublicIP != nil {
		publicIP = *cfg.PublicIP
	}

	return &Provider{
		client:       client,
		cfg:          cfg,
		publicIP:     publicIP,
		logger:       logger,
		pollInterval: 15 * time.Second,
		tracer:       otel.Tracer("github-runners/provider/gcp"),
	}
}

// Label returns the runner label this provider serves.
func (p *Provider) Label() string { return p.cfg.Label }

// Principal returns the service account runner VMs execute as.
func (p *Provider) Principal() string { return p.cfg.ServiceAccount }

// Network returns the VM network reachability properties.
func (p *Provider) Network() provider.Network {
	return provider.Network{
		Private: !p.publicIP,
		Network: p.cfg.Network,
		Subnet:  p.cfg.Subnet,
	}
}

// Materialize returns a work unit carrying the parameter bundle.
// Failures here are configuration errors, not per-job ones.
func (p *Provider) Materialize(params provider.RuntimeParams) (provider.WorkUnit, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("gcp provider %s: %w", p.cfg.Label, err)
	}
	if p.cfg.Project == "" || p.cfg.Zone == "" {
		return nil, fmt.Errorf("gcp provider %s: project and zone are required", p.cfg.Label)
	}
	if p.cfg.Image == "" {
		return nil, fmt.Errorf("gcp provider %s: image is required", p.cfg.Label)
	}
	if p.cfg.Network == "" && p.cfg.Subnet == "" {
		return nil, fmt.Errorf("gcp provider %s: no usable network context (network or subnet required)", p.cfg.Label)
	}
	return &workUnit{provider: p, bundle: params.Bundle()}, nil
}

// ---------------------------------------------------------------------------
// Work unit
// ---------------------------------------------------------------------------

type workUnit struct {
	provider *Provider
	bundle   map[string]string
}

func (w *workUnit) Bundle() map[string]string { return w.bundle }

// Launch creates a VM whose instance metadata is the resolved parameter
// bundle; the image's startup script exports the metadata as the worker
// process environment.
func (w *workUnit) Launch(ctx context.Context, env map[string]string) (string, error) {
	p := w.provider

	ctx, span := p.tracer.Start(ctx, "provider.gcp.Launch")
	defer span.End()

	name := env[provider.ParamRunnerName]
	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.String("gcp.machine_type", p.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, p.cfg.MachineType)

	// Boot disk from the pre-built runner image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.cfg.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", p.cfg.Zone)),
		},
	}

	// Network interface.
	nic := &computepb.NetworkInterface{}
	if p.cfg.Network != "" {
		nic.Network = proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network))
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.publicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	// Instance metadata: the resolved parameter bundle, key for key.
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]*computepb.Items, 0, len(env))
	for _, k := range keys {
		items = append(items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(env[k]),
		})
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
	}

	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	p.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("zone", p.cfg.Zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	p.logger.Info("runner VM started",
		slog.String("name", name),
		slog.String("zone", p.cfg.Zone),
	)

	// The instance name is the opaque ID.
	return name, nil
}

// Wait polls the instance until it has stopped (the worker process runs
// one job, shuts the VM down, and exits) or no longer exists.
func (w *workUnit) Wait(ctx context.Context, id string) error {
	p := w.provider

	ctx, span := p.tracer.Start(ctx, "provider.gcp.Wait")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", id))

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		inst, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  p.cfg.Project,
			Zone:     p.cfg.Zone,
			Instance: id,
		})
		if err != nil {
			if isNotFound(err) {
				// Already gone -- the worker finished and the VM was
				// reaped externally.
				return nil
			}
			return fmt.Errorf("get instance %s: %w", id, err)
		}

		switch inst.GetStatus() {
		case "TERMINATED", "STOPPED", "SUSPENDED":
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Destroy permanently deletes the VM identified by id. It is
// idempotent -- deleting an already-deleted VM is not an error.
func (w *workUnit) Destroy(ctx context.Context, id string) error {
	p := w.provider

	ctx, span := p.tracer.Start(ctx, "provider.gcp.Destroy")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
	)

	p.logger.Info("destroying runner VM", slog.String("name", id))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		// Treat "not found" as success -- the instance is already gone.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			p.logger.Info("runner VM already deleted", slog.String("name", id))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}

	p.logger.Info("runner VM destroyed", slog.String("name", id))
	return nil
}

// Close releases the API client.
func (p *Provider) Close() error { return p.client.Close() }

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API. The google-cloud-go compute library wraps googleapi.Error;
// string matching survives library version changes better than
// type-asserting through the wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return contains404Pattern(err.Error())
}

// contains404Pattern checks for common 404 patterns in GCP error strings.
func contains404Pattern(s string) bool {
	// googleapi.Error formats as "googleapi: Error 404: ..."
	// gRPC status formats as "code = NotFound"
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if containsString(s, pattern) {
			return true
		}
	}
	return false
}

// containsString is a simple substring check to avoid importing strings
// for a single call.
func containsString(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

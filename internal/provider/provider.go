// Package provider defines the abstraction for compute backends that
// launch ephemeral GitHub Actions runners. Each backend (Docker, GCP
// VMs, future: EC2, Azure) implements the Provider interface so the
// orchestration layer remains compute-agnostic.
//
// Providers never see literal runtime values. They receive named
// references that the workflow engine resolves at execution time, and
// plumb those references into the backend's configuration surface
// (container env, instance metadata, ...). This indirection is what
// lets one orchestration run's input drive any backend uniformly.
package provider

import (
	"context"
	"fmt"
)

// Canonical runtime parameter names. Every provider must accept exactly
// this bundle so providers stay interchangeable. The launched worker
// process receives the resolved bundle as its execution environment and
// is contractually responsible for registering itself with runnerToken
// and runnerLabel against sourceDomain/ownerAccount[/repository],
// running exactly one job, and exiting.
const (
	ParamRunnerToken  = "runnerToken"
	ParamRunnerName   = "runnerName"
	ParamRunnerLabel  = "runnerLabel"
	ParamSourceDomain = "sourceDomain"
	ParamOwnerAccount = "ownerAccount"
	ParamRepository   = "repository"
)

// Ref is a named reference (placeholder) the workflow engine substitutes
// with a literal value at execution time. Opaque to providers.
type Ref string

// RuntimeParams carries the per-run parameter references handed to a
// provider when it is asked to materialize a work unit. Label is the
// one literal field: it is known at provider-selection time.
type RuntimeParams struct {
	Token        Ref
	Name         Ref
	Label        string
	SourceDomain Ref
	Owner        Ref
	Repository   Ref
}

// Bundle returns the canonical configuration bundle: all six parameter
// names mapped to their reference strings (Label to its literal value).
func (p RuntimeParams) Bundle() map[string]string {
	return map[string]string{
		ParamRunnerToken:  string(p.Token),
		ParamRunnerName:   string(p.Name),
		ParamRunnerLabel:  p.Label,
		ParamSourceDomain: string(p.SourceDomain),
		ParamOwnerAccount: string(p.Owner),
		ParamRepository:   string(p.Repository),
	}
}

// Validate reports an error if any parameter is missing.
func (p RuntimeParams) Validate() error {
	for name, v := range p.Bundle() {
		if v == "" {
			return fmt.Errorf("runtime parameter %s is empty", name)
		}
	}
	return nil
}

// Network describes the reachability properties of a backend. The zero
// value means the backend needs no network context (e.g. local Docker).
type Network struct {
	// Private reports whether launched workers have no public address
	// and must reach GitHub through the configured network.
	Private bool
	// Network is the backend network name (VPC for cloud backends).
	Network string
	// Subnet is the subnetwork, if any.
	Subnet string
}

// WorkUnit is an engine-composable description of "launch one ephemeral
// worker wired with the parameter bundle, and block the run until it
// finishes". The engine resolves the bundle's references into literals
// and drives Launch → Wait → Destroy.
type WorkUnit interface {
	// Bundle returns the canonical parameter bundle with references
	// still unresolved.
	Bundle() map[string]string

	// Launch starts one worker with env as its execution environment
	// (the resolved bundle). The returned id is opaque -- a container
	// ID, an instance name, etc.
	Launch(ctx context.Context, env map[string]string) (id string, err error)

	// Wait blocks until the worker identified by id exits.
	Wait(ctx context.Context, id string) error

	// Destroy permanently removes the worker's compute resource. It
	// must be idempotent -- destroying an already-gone worker is not
	// an error.
	Destroy(ctx context.Context, id string) error
}

// Provider is the contract every compute backend satisfies. Providers
// are long-lived and statically configured: one per distinct
// label/backend pairing, created at boot, immutable thereafter.
type Provider interface {
	// Label returns the runner label this provider answers to.
	Label() string

	// Principal returns the identity the surrounding deployment can
	// grant permissions to (service account email, IAM role, ...).
	// Empty when the backend has no such principal.
	Principal() string

	// Network returns the backend's network reachability properties.
	Network() Network

	// Materialize produces a work unit wired with the given parameter
	// references. Failures here are configuration-time (missing
	// network context, bad resource definition), never per-job.
	Materialize(params RuntimeParams) (WorkUnit, error)
}

// Registry holds the configured providers keyed by label. Selection by
// label happens once per orchestration run, not per request.
type Registry struct {
	order  []string
	byName map[string]Provider
}

// NewRegistry builds a registry from the configured providers. Duplicate
// or empty labels are configuration errors.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		label := p.Label()
		if label == "" {
			return nil, fmt.Errorf("provider with empty label")
		}
		if _, dup := r.byName[label]; dup {
			return nil, fmt.Errorf("duplicate provider label %q", label)
		}
		r.byName[label] = p
		r.order = append(r.order, label)
	}
	return r, nil
}

// Lookup returns the provider registered for label.
func (r *Registry) Lookup(label string) (Provider, bool) {
	p, ok := r.byName[label]
	return p, ok
}

// ForLabels picks the provider for a job's label set: the first
// registered provider (in configuration order) whose label the job
// carries. Deterministic across redeliveries of the same event.
func (r *Registry) ForLabels(labels map[string]bool) (Provider, bool) {
	for _, label := range r.order {
		if labels[label] {
			return r.byName[label], true
		}
	}
	return nil, false
}

// Labels returns the registered labels in configuration order.
func (r *Registry) Labels() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Package secrets retrieves the webhook shared secret from a configured
// backend. The ingestion path fetches the secret per request; a fetch
// failure is fatal to that request, there is no fallback secret.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
)

const fetchTimeout = 10 * time.Second

// Document is the structured secret payload.
type Document struct {
	WebhookSecret string `json:"webhookSecret"`
}

// Source fetches the secret document.
type Source interface {
	Fetch(ctx context.Context) (*Document, error)
}

// parseDocument accepts either the JSON document form or a raw secret
// string.
func parseDocument(payload []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(payload, &doc); err == nil && doc.WebhookSecret != "" {
		return &doc, nil
	}
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return nil, fmt.Errorf("secrets: empty secret payload")
	}
	return &Document{WebhookSecret: raw}, nil
}

// ---------------------------------------------------------------------------
// Static
// ---------------------------------------------------------------------------

// Static is an in-memory source.
type Static struct {
	Document Document
}

func (s *Static) Fetch(_ context.Context) (*Document, error) {
	if s.Document.WebhookSecret == "" {
		return nil, fmt.Errorf("secrets: static source has no webhook secret")
	}
	d := s.Document
	return &d, nil
}

// ---------------------------------------------------------------------------
// Env
// ---------------------------------------------------------------------------

type envSource struct {
	variable string
}

// NewEnv reads the secret from an environment variable.
func NewEnv(variable string) (Source, error) {
	if variable == "" {
		return nil, fmt.Errorf("secrets: env variable name is required")
	}
	return &envSource{variable: variable}, nil
}

func (s *envSource) Fetch(_ context.Context) (*Document, error) {
	v, ok := os.LookupEnv(s.variable)
	if !ok {
		return nil, fmt.Errorf("secrets: environment variable %s is not set", s.variable)
	}
	return parseDocument([]byte(v))
}

// ---------------------------------------------------------------------------
// File
// ---------------------------------------------------------------------------

type fileSource struct {
	path string
}

// NewFile reads the secret from a file, re-read on every fetch so
// rotation needs no restart.
func NewFile(path string) (Source, error) {
	if path == "" {
		return nil, fmt.Errorf("secrets: file path is required")
	}
	return &fileSource{path: path}, nil
}

func (s *fileSource) Fetch(_ context.Context) (*Document, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", s.path, err)
	}
	return parseDocument(payload)
}

// ---------------------------------------------------------------------------
// GCP Secret Manager
// ---------------------------------------------------------------------------

// secretAccessor is the slice of the Secret Manager client the source
// uses, so tests can substitute a mock.
type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type gcpSource struct {
	client  secretAccessor
	version string
}

// NewGCP fetches the secret from GCP Secret Manager. ref is a secret
// resource name (projects/P/secrets/S); a version suffix defaults to
// "latest".
func NewGCP(ctx context.Context, ref string) (Source, error) {
	if ref == "" {
		return nil, fmt.Errorf("secrets: secret resource name is required")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
	}
	return newGCPSource(client, ref), nil
}

func newGCPSource(client secretAccessor, ref string) *gcpSource {
	if !strings.Contains(ref, "/versions/") {
		ref += "/versions/latest"
	}
	return &gcpSource{client: client, version: ref}
}

func (s *gcpSource) Fetch(ctx context.Context) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.version,
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: access %s: %w", s.version, err)
	}
	return parseDocument(resp.GetPayload().GetData())
}

func (s *gcpSource) Close() error {
	return s.client.Close()
}

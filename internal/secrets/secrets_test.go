package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument([]byte(`{"webhookSecret":"hunter2"}`))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", doc.WebhookSecret)

	doc, err = parseDocument([]byte("raw-secret\n"))
	require.NoError(t, err)
	assert.Equal(t, "raw-secret", doc.WebhookSecret)

	_, err = parseDocument([]byte("   \n"))
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	s := &Static{Document: Document{WebhookSecret: "s3cret"}}
	doc, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", doc.WebhookSecret)

	empty := &Static{}
	_, err = empty.Fetch(context.Background())
	assert.Error(t, err)
}

func TestEnvSource(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET_TEST", `{"webhookSecret":"from-env"}`)

	s, err := NewEnv("WEBHOOK_SECRET_TEST")
	require.NoError(t, err)

	doc, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", doc.WebhookSecret)
}

func TestEnvSourceUnset(t *testing.T) {
	s, err := NewEnv("WEBHOOK_SECRET_DOES_NOT_EXIST")
	require.NoError(t, err)

	_, err = s.Fetch(context.Background())
	assert.Error(t, err)
}

func TestEnvSourceRequiresName(t *testing.T) {
	_, err := NewEnv("")
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"webhookSecret":"from-file"}`), 0o600))

	s, err := NewFile(path)
	require.NoError(t, err)

	doc, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-file", doc.WebhookSecret)

	// Rotation: the file is re-read per fetch.
	require.NoError(t, os.WriteFile(path, []byte("rotated"), 0o600))
	doc, err = s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", doc.WebhookSecret)
}

func TestFileSourceMissing(t *testing.T) {
	s, err := NewFile(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	_, err = s.Fetch(context.Background())
	assert.Error(t, err)
}

type mockAccessor struct {
	gotName string
	payload []byte
	err     error
	closed  bool
}

func (m *mockAccessor) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	m.gotName = req.GetName()
	if m.err != nil {
		return nil, m.err
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: m.payload},
	}, nil
}

func (m *mockAccessor) Close() error {
	m.closed = true
	return nil
}

func TestGCPSource(t *testing.T) {
	mock := &mockAccessor{payload: []byte(`{"webhookSecret":"from-gcp"}`)}
	s := newGCPSource(mock, "projects/p/secrets/webhook")

	doc, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-gcp", doc.WebhookSecret)
	assert.Equal(t, "projects/p/secrets/webhook/versions/latest", mock.gotName)
}

func TestGCPSourceExplicitVersion(t *testing.T) {
	mock := &mockAccessor{payload: []byte("v7-secret")}
	s := newGCPSource(mock, "projects/p/secrets/webhook/versions/7")

	_, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "projects/p/secrets/webhook/versions/7", mock.gotName)
}

func TestGCPSourceAccessError(t *testing.T) {
	mock := &mockAccessor{err: fmt.Errorf("permission denied")}
	s := newGCPSource(mock, "projects/p/secrets/webhook")

	_, err := s.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestGCPSourceClose(t *testing.T) {
	mock := &mockAccessor{}
	s := newGCPSource(mock, "projects/p/secrets/webhook")
	require.NoError(t, s.Close())
	assert.True(t, mock.closed)
}

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{Token: "test-pat", Timeout: 2 * time.Second})
	require.NoError(t, err)
	c.baseURL = srv.URL
	return c, srv
}

func TestRegistrationToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/actions/runners/registration-token", r.URL.Path)
		assert.Equal(t, "Bearer test-pat", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "AABBCC112233",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))

	token, err := c.RegistrationToken(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "AABBCC112233", token)
}

func TestRegistrationTokenRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"token": "RETRY-OK"})
	}))
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 2 * time.Millisecond

	token, err := c.RegistrationToken(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "RETRY-OK", token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegistrationTokenPermissionDenied(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Resource not accessible"}`))
	}))

	_, err := c.RegistrationToken(context.Background(), "acme", "widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestRegistrationTokenMissingToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))

	_, err := c.RegistrationToken(context.Background(), "acme", "widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token")
}

func TestRegistrationTokenValidation(t *testing.T) {
	c, err := NewClient(Config{Token: "pat"})
	require.NoError(t, err)

	_, err = c.RegistrationToken(context.Background(), "", "widgets")
	assert.Error(t, err)
	_, err = c.RegistrationToken(context.Background(), "acme", "")
	assert.Error(t, err)
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestAPIBase(t *testing.T) {
	c, err := NewClient(Config{Token: "pat"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com", c.apiBase())

	c, err = NewClient(Config{Token: "pat", Domain: "github.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.example.com/api/v3", c.apiBase())
}

func TestRegistrationURL(t *testing.T) {
	assert.Equal(t, "https://github.com/acme/widgets", RegistrationURL("", "acme", "widgets"))
	assert.Equal(t, "https://github.com/acme", RegistrationURL("", "acme", ""))
	assert.Equal(t, "https://ghes.corp/acme/widgets", RegistrationURL("ghes.corp", "acme", "widgets"))
}

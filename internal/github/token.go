// Package github is a minimal client for the pieces of the GitHub API
// this service needs: minting one-time self-hosted runner registration
// tokens. It speaks to github.com by default and to a GitHub Enterprise
// Server instance when a custom domain is configured.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultDomain = "github.com"

// Config configures the API client.
type Config struct {
	// Domain is the GitHub host ("github.com" or a GHES domain).
	Domain string

	// Token is a PAT or installation token with administration scope
	// on the target repositories.
	Token string

	// Timeout bounds a single API call including retries.
	// Default: 30 seconds.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client calls the GitHub REST API.
type Client struct {
	domain  string
	token   string
	timeout time.Duration
	http    *retryablehttp.Client

	// baseURL overrides the derived API root in tests.
	baseURL string
}

// NewClient creates a client. Transient API failures (5xx, 429) are
// retried with backoff before surfacing an error.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: api token is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	if cfg.Logger != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				cfg.Logger.Debug("retrying github api call",
					slog.String("url", req.URL.Path),
					slog.Int("attempt", attempt),
				)
			}
		}
	}

	return &Client{
		domain:  cfg.Domain,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    rc,
	}, nil
}

// apiBase returns the REST API root for the configured domain. GHES
// serves the API under /api/v3 on the instance domain.
func (c *Client) apiBase() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if c.domain == defaultDomain {
		return "https://api.github.com"
	}
	return fmt.Sprintf("https://%s/api/v3", c.domain)
}

type registrationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegistrationToken mints a one-time runner registration token scoped
// to the given repository.
func (c *Client) RegistrationToken(ctx context.Context, owner, repo string) (string, error) {
	if owner == "" || repo == "" {
		return "", fmt.Errorf("github: owner and repo are required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/%s/actions/runners/registration-token", c.apiBase(), owner, repo)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: registration token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("github: registration token: unexpected status %d: %s",
			resp.StatusCode, string(body))
	}

	var out registrationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("github: decode registration token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("github: registration token response missing token")
	}
	return out.Token, nil
}

// RegistrationURL is the URL a runner registers against: the repository
// page, or the owner page when repo is empty (org-level runners).
func RegistrationURL(domain, owner, repo string) string {
	if domain == "" {
		domain = defaultDomain
	}
	if repo == "" {
		return fmt.Sprintf("https://%s/%s", domain, owner)
	}
	return fmt.Sprintf("https://%s/%s/%s", domain, owner, repo)
}

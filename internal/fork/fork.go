// Package fork creates GitHub repository forks for the onboarding flow.
package fork

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultAPIURL is the public GitHub REST API.
const DefaultAPIURL = "https://api.github.com"

// ErrNotInitialized is returned by CreateFork before InitializeToken succeeded.
var ErrNotInitialized = errors.New("fork client not initialized")

// APIError is a non-success GitHub response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("github returned status %d", e.Status)
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides DefaultAPIURL.
func WithAPIURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.apiURL = u
		}
	}
}

// WithTransport sets the base transport under the oauth2 transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// Client forks repositories into the account that owns the token.
type Client struct {
	apiURL string
	source oauth2.TokenSource
	base   http.RoundTripper

	mu     sync.Mutex
	client *http.Client
	login  string
}

// New creates a Client authenticating with source.
func New(source oauth2.TokenSource, opts ...Option) (*Client, error) {
	if source == nil {
		return nil, fmt.Errorf("missing token source")
	}
	c := &Client{
		apiURL: DefaultAPIURL,
		source: source,
		base:   http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// InitializeToken loads the token and checks it against the user endpoint.
func (c *Client) InitializeToken(ctx context.Context) error {
	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, c.source), Base: c.base},
	}

	var user struct {
		Login string `json:"login"`
	}
	if err := c.do(ctx, client, http.MethodGet, "user", &user); err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.login = user.Login
	c.mu.Unlock()
	slog.DebugContext(ctx, "fork client ready", "login", user.Login)
	return nil
}

// Login returns the account name found by InitializeToken.
func (c *Client) Login() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

// CreateFork forks owner/repo. GitHub creates forks asynchronously; an
// existing fork is returned as success.
func (c *Client) CreateFork(ctx context.Context, owner, repo string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrNotInitialized
	}

	var fork struct {
		FullName string `json:"full_name"`
	}
	path := fmt.Sprintf("repos/%s/%s/forks", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.do(ctx, client, http.MethodPost, path, &fork); err != nil {
		return err
	}
	slog.DebugContext(ctx, "fork requested", "source", owner+"/"+repo, "fork", fork.FullName)
	return nil
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, out any) error {
	endpoint, err := url.JoinPath(c.apiURL, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &msg)
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

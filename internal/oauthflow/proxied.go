package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/florianilch/oauthkeep/internal/profile"
	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

const userAgent = "oauthkeep"

// authorizeResponse is returned by a proxy's authorize endpoint.
type authorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	SessionID        string `json:"session_id"`
	State            string `json:"state"`
}

type authorizeRequest struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

type exchangeRequest struct {
	Code      string `json:"code"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse is returned by a proxy's token and refresh endpoints. The
// proxy normalizes the user itself.
type tokenResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token,omitempty"`
	TokenType    string           `json:"token_type,omitempty"`
	ExpiresIn    int64            `json:"expires_in,omitempty"`
	Scope        string           `json:"scope,omitempty"`
	User         *profile.Profile `json:"user,omitempty"`
}

// StartServerProxiedFlow begins a flow for providerName brokered by the proxy
// server serverID. The proxy builds the authorization URL and state, and
// later performs the exchange; no client secret is held locally. Tokens are
// stored under providers.ProxiedProviderID(serverID, providerName).
func (c *Controller) StartServerProxiedFlow(ctx context.Context, serverID, providerName string) (*Flow, error) {
	providerID := providers.ProxiedProviderID(serverID, providerName)
	if !providers.ValidLocalID(serverID) || !providers.ValidLocalID(providerName) {
		return nil, fmt.Errorf("%w: %q", providers.ErrInvalidID, providerID)
	}
	if c.servers == nil {
		return nil, &ProviderError{ProviderID: providerID, Err: ErrServerNotConfigured}
	}
	server, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, providers.ErrNotFound) {
			return nil, &ProviderError{ProviderID: providerID, Err: ErrServerNotConfigured}
		}
		return nil, err
	}

	endpoint, err := proxyEndpoint(server.BaseURL, providerName, "authorize")
	if err != nil {
		return nil, &ProviderError{ProviderID: providerID, Err: err}
	}

	var auth authorizeResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, true, authorizeRequest{RedirectURI: c.redirectURI}, &auth); err != nil {
		return nil, &ProviderError{ProviderID: providerID, Err: fmt.Errorf("requesting authorization url: %w", err)}
	}
	if err := auth.validate(); err != nil {
		return nil, &ProviderError{ProviderID: providerID, Err: err}
	}

	flow := newFlow(providerID)
	flow.AuthorizationURL = auth.AuthorizationURL
	c.register(ctx, &session{
		flow:            flow,
		kind:            kindProxied,
		server:          server,
		provider:        providerName,
		state:           auth.State,
		remoteSessionID: auth.SessionID,
	})
	return flow, nil
}

func (c *Controller) exchangeProxied(ctx context.Context, s *session, code string) (*tokenstore.Record, error) {
	endpoint, err := proxyEndpoint(s.server.BaseURL, s.provider, "token")
	if err != nil {
		return nil, err
	}

	var tok tokenResponse
	req := exchangeRequest{Code: code, State: s.state, SessionID: s.remoteSessionID}
	if err := c.doJSON(ctx, http.MethodPost, endpoint, true, req, &tok); err != nil {
		return nil, err
	}
	return c.recordFromResponse(s.flow.ProviderID, s.provider, &tok)
}

func (c *Controller) refreshProxied(ctx context.Context, server *providers.ServerDescriptor, providerName, providerID, refreshToken string) (*tokenstore.Record, error) {
	endpoint, err := proxyEndpoint(server.BaseURL, providerName, "refresh")
	if err != nil {
		return nil, err
	}

	var tok tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, true, refreshRequest{RefreshToken: refreshToken}, &tok); err != nil {
		return nil, err
	}
	record, err := c.recordFromResponse(providerID, providerName, &tok)
	if err != nil {
		return nil, err
	}
	if record.RefreshToken == "" {
		record.RefreshToken = refreshToken
	}
	return record, nil
}

func (c *Controller) recordFromResponse(providerID, providerName string, tok *tokenResponse) (*tokenstore.Record, error) {
	if tok.AccessToken == "" {
		return nil, tokenstore.ErrMissingAccessToken
	}
	user := tok.User
	if user != nil && user.ID == "" {
		user = nil
	}
	if user != nil && user.Provider == "" {
		user.Provider = profile.KindFor(providerName, "")
	}
	return &tokenstore.Record{
		ProviderID:   providerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tokenstore.ExpiryFromLifetime(c.now(), tok.ExpiresIn),
		Scope:        tok.Scope,
		User:         user,
	}, nil
}

func (r *authorizeResponse) validate() error {
	if r.AuthorizationURL == "" || r.State == "" {
		return errors.New("authorization response is missing authorization_url or state")
	}
	u, err := url.Parse(r.AuthorizationURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("authorization response has an invalid url")
	}
	return nil
}

func proxyEndpoint(baseURL, providerName, action string) (string, error) {
	endpoint, err := url.JoinPath(baseURL, "oauth", url.PathEscape(providerName), action)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	return endpoint, nil
}

// doJSON sends in as JSON and decodes a 2xx response into out. Other
// statuses yield a *TokenExchangeError. With bearer set, the host token is
// attached when one is available.
func (c *Controller) doJSON(ctx context.Context, method, endpoint string, bearer bool, in, out any) error {
	var body io.Reader
	if in != nil && method != http.MethodGet {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if bearer && c.hostToken != nil {
		token, err := c.hostToken(ctx)
		switch {
		case errors.Is(err, tokenstore.ErrNotAuthenticated):
		case err != nil:
			return fmt.Errorf("host access token: %w", err)
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TokenExchangeError{Status: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

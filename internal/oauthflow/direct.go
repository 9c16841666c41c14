package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"

	"golang.org/x/oauth2"

	"github.com/florianilch/oauthkeep/internal/pkce"
	"github.com/florianilch/oauthkeep/internal/profile"
	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

const maxResponseBytes = 1 << 20

// reservedParams cannot be overridden by a provider's extra parameters.
var reservedParams = map[string]bool{
	"client_id":             true,
	"redirect_uri":          true,
	"response_type":         true,
	"scope":                 true,
	"state":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

func oauthConfig(cfg *providers.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret, // empty for public clients
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizationEndpoint,
			TokenURL:  cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.RedirectURI,
		Scopes:      slices.Clone(cfg.Scopes),
	}
}

func authCodeURL(cfg *providers.Config, m *pkce.Material) string {
	keys := make([]string, 0, len(cfg.ExtraParams))
	for k := range cfg.ExtraParams {
		if !reservedParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	opts := make([]oauth2.AuthCodeOption, 0, len(keys)+1)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, cfg.ExtraParams[k]))
	}
	if cfg.PKCE {
		opts = append(opts, oauth2.S256ChallengeOption(m.Verifier))
	}
	return oauthConfig(cfg).AuthCodeURL(m.State, opts...)
}

// oauthContext carries the HTTP client oauth2 uses for token requests.
func (c *Controller) oauthContext(ctx context.Context, jsonRequests bool) context.Context {
	client := c.httpClient
	if jsonRequests {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client = &http.Client{
			Timeout:   client.Timeout,
			Transport: &jsonTokenTransport{base: base},
		}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func (c *Controller) exchangeDirect(ctx context.Context, s *session, code string) (*tokenstore.Record, error) {
	var opts []oauth2.AuthCodeOption
	if s.config.PKCE {
		opts = append(opts, oauth2.VerifierOption(s.verifier))
	}

	tok, err := oauthConfig(s.config).Exchange(c.oauthContext(ctx, s.config.JSONTokenRequests), code, opts...)
	if err != nil {
		return nil, exchangeError(err)
	}

	record := c.recordFromToken(s.config.ID, tok)
	record.User = c.fetchProfile(ctx, s.config, tok)
	return record, nil
}

func (c *Controller) refreshDirect(ctx context.Context, cfg *providers.Config, refreshToken string) (*tokenstore.Record, error) {
	// No access token, so the source refreshes on first use
	ts := oauthConfig(cfg).TokenSource(c.oauthContext(ctx, cfg.JSONTokenRequests), &oauth2.Token{
		RefreshToken: refreshToken,
	})
	tok, err := ts.Token()
	if err != nil {
		return nil, exchangeError(err)
	}

	record := c.recordFromToken(cfg.ID, tok)
	if record.RefreshToken == "" {
		record.RefreshToken = refreshToken
	}
	return record, nil
}

func (c *Controller) recordFromToken(providerID string, tok *oauth2.Token) *tokenstore.Record {
	expiresAt := tok.Expiry
	if tok.ExpiresIn > 0 {
		expiresAt = tokenstore.ExpiryFromLifetime(c.now(), tok.ExpiresIn)
	}
	scope, _ := tok.Extra("scope").(string)
	return &tokenstore.Record{
		ProviderID:   providerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    expiresAt,
		Scope:        scope,
	}
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &TokenExchangeError{Status: status, Body: string(re.Body)}
	}
	return fmt.Errorf("token request: %w", err)
}

// fetchProfile returns the user's profile from the user-info endpoint or,
// failing that, from an id_token. It returns nil when neither is available.
func (c *Controller) fetchProfile(ctx context.Context, cfg *providers.Config, tok *oauth2.Token) *profile.Profile {
	kind := profile.KindFor(cfg.ID, cfg.Profile)

	if cfg.UserInfoEndpoint != "" {
		p, err := c.userInfo(ctx, cfg.UserInfoEndpoint, tok.AccessToken, kind)
		if err == nil {
			return p
		}
		slog.WarnContext(ctx, "user info unavailable", "provider", cfg.ID, "error", err)
	}

	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		p, err := profile.FromIDToken(kind, idToken)
		if err == nil {
			return p
		}
		slog.DebugContext(ctx, "id_token has no usable profile", "provider", cfg.ID, "error", err)
	}
	return nil
}

func (c *Controller) userInfo(ctx context.Context, endpoint, accessToken string, kind profile.Kind) (*profile.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info returned status %d", resp.StatusCode)
	}
	return profile.Parse(kind, body)
}

// jsonTokenTransport converts oauth2's form-encoded token requests to JSON
// for providers that only accept JSON bodies. oauth2 only sends token
// endpoint requests through this transport.
type jsonTokenTransport struct {
	base http.RoundTripper
}

var _ http.RoundTripper = (*jsonTokenTransport)(nil)

func (t *jsonTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The body is consumed here and replaced on the clone
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	// Token request parameters are single-valued
	data := make(map[string]string, len(form))
	for key, values := range form {
		data[key] = values[0]
	}

	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(jsonBody))
	out.ContentLength = int64(len(jsonBody))
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set("Accept", "application/json")

	return t.base.RoundTrip(out)
}

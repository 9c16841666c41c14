package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// OnboardingProviderID identifies onboarding flows and their record.
const OnboardingProviderID = "onboarding"

// Onboarding configures the bootstrap flow used before any credentials exist.
type Onboarding struct {
	// AuthorizeURL is fetched with GET and answers like a proxy's authorize endpoint.
	AuthorizeURL string
	// ExchangeURL receives the code like a proxy's token endpoint.
	ExchangeURL string
	// Forks are created once the onboarding token is stored.
	Forks []Repository
}

// Repository names a repository as owner/name.
type Repository struct {
	Owner string
	Name  string
}

// ParseRepository parses "owner/name".
func ParseRepository(s string) (Repository, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repository{}, fmt.Errorf("invalid repository %q, want owner/name", s)
	}
	return Repository{Owner: owner, Name: name}, nil
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ForkCollaborator creates repository forks with the onboarding token.
type ForkCollaborator interface {
	// InitializeToken loads and checks the onboarding token.
	InitializeToken(ctx context.Context) error
	CreateFork(ctx context.Context, owner, repo string) error
}

// StartOnboarding begins the onboarding flow. The bootstrap endpoint is
// called without a bearer token. On success the token is saved to the
// onboarding slot instead of the token store.
func (c *Controller) StartOnboarding(ctx context.Context) (*Flow, error) {
	if c.onboarding == nil || c.onboarding.AuthorizeURL == "" || c.onboarding.ExchangeURL == "" {
		return nil, &ProviderError{ProviderID: OnboardingProviderID, Err: ErrOnboardingNotConfigured}
	}

	endpoint := c.onboarding.AuthorizeURL
	if c.redirectURI != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, &ProviderError{ProviderID: OnboardingProviderID, Err: err}
		}
		q := u.Query()
		q.Set("redirect_uri", c.redirectURI)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	var auth authorizeResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, false, nil, &auth); err != nil {
		return nil, &ProviderError{ProviderID: OnboardingProviderID, Err: fmt.Errorf("requesting authorization url: %w", err)}
	}
	if err := auth.validate(); err != nil {
		return nil, &ProviderError{ProviderID: OnboardingProviderID, Err: err}
	}

	flow := newFlow(OnboardingProviderID)
	flow.AuthorizationURL = auth.AuthorizationURL
	c.register(ctx, &session{
		flow:            flow,
		kind:            kindOnboarding,
		state:           auth.State,
		remoteSessionID: auth.SessionID,
	})
	return flow, nil
}

func (c *Controller) exchangeOnboarding(ctx context.Context, s *session, code string) (*tokenstore.Record, error) {
	var tok tokenResponse
	req := exchangeRequest{Code: code, State: s.state, SessionID: s.remoteSessionID}
	if err := c.doJSON(ctx, http.MethodPost, c.onboarding.ExchangeURL, false, req, &tok); err != nil {
		return nil, err
	}
	return c.recordFromResponse(OnboardingProviderID, "github", &tok)
}

func (c *Controller) createForks(ctx context.Context) error {
	if c.forks == nil || len(c.onboarding.Forks) == 0 {
		return nil
	}
	if err := c.forks.InitializeToken(ctx); err != nil {
		return fmt.Errorf("initializing fork client: %w", err)
	}

	var errs []error
	for _, repo := range c.onboarding.Forks {
		if err := c.forks.CreateFork(ctx, repo.Owner, repo.Name); err != nil {
			errs = append(errs, fmt.Errorf("forking %s: %w", repo, err))
			continue
		}
		slog.InfoContext(ctx, "created fork", "repository", repo.String())
	}
	return errors.Join(errs...)
}

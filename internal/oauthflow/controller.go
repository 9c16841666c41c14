package oauthflow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/florianilch/oauthkeep/internal/pkce"
	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

const (
	// DefaultTimeout bounds how long a session waits for its callback.
	DefaultTimeout = 5 * time.Minute
	// DefaultHTTPTimeout bounds every outbound request.
	DefaultHTTPTimeout = 30 * time.Second
)

// TokenSink receives the record of every successful direct or proxied flow.
type TokenSink interface {
	Store(ctx context.Context, record *tokenstore.Record) error
}

// HostTokenFunc returns the host application's own access token, used to
// authenticate against proxy servers. An empty token sends no Authorization
// header.
type HostTokenFunc func(ctx context.Context) (string, error)

type flowKind int

const (
	kindDirect flowKind = iota
	kindProxied
	kindOnboarding
)

type session struct {
	flow *Flow
	kind flowKind

	config   *providers.Config
	server   *providers.ServerDescriptor
	provider string // provider name on the proxy server

	verifier        string
	state           string
	remoteSessionID string

	timer *time.Timer
}

// Option configures a Controller.
type Option func(*Controller)

// WithServers enables server-proxied flows against registry.
func WithServers(registry providers.ServerRegistry) Option {
	return func(c *Controller) {
		c.servers = registry
	}
}

// WithHTTPClient overrides the client used for every outbound request.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithHostToken sets the bearer token getter for proxy servers.
func WithHostToken(fn HostTokenFunc) Option {
	return func(c *Controller) {
		c.hostToken = fn
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides time.Now for computing token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithPKCE overrides the PKCE generator.
func WithPKCE(g *pkce.Generator) Option {
	return func(c *Controller) {
		if g != nil {
			c.pkce = g
		}
	}
}

// WithRedirectURI sets the redirect URI announced to proxy servers and the
// onboarding endpoint. Direct flows use the provider's own redirect URI.
func WithRedirectURI(uri string) Option {
	return func(c *Controller) {
		c.redirectURI = uri
	}
}

// WithOnboarding enables the onboarding flow. Its token is kept in slot and
// forks, if non-nil, is asked to create cfg.Forks afterwards.
func WithOnboarding(cfg Onboarding, slot *tokenstore.Slot, forks ForkCollaborator) Option {
	return func(c *Controller) {
		c.onboarding = &cfg
		c.onboardingSlot = slot
		c.forks = forks
	}
}

// Controller runs authorization flows and token refreshes.
type Controller struct {
	providers   providers.Store
	servers     providers.ServerRegistry
	sink        TokenSink
	pkce        *pkce.Generator
	httpClient  *http.Client
	hostToken   HostTokenFunc
	timeout     time.Duration
	redirectURI string
	now         func() time.Time

	onboarding     *Onboarding
	onboardingSlot *tokenstore.Slot
	forks          ForkCollaborator

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Controller that resolves providers from store and hands
// completed records to sink.
func New(store providers.Store, sink TokenSink, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("missing provider store")
	}
	if sink == nil {
		return nil, fmt.Errorf("missing token sink")
	}

	c := &Controller{
		providers:  store,
		sink:       sink,
		pkce:       pkce.NewGenerator(),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		timeout:    DefaultTimeout,
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.onboarding != nil && c.onboardingSlot == nil {
		return nil, fmt.Errorf("onboarding requires a token slot")
	}
	return c, nil
}

// Start begins a direct flow for providerID and returns its handle. The
// provider must have a client id.
func (c *Controller) Start(ctx context.Context, providerID string) (*Flow, error) {
	cfg, err := c.providers.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, providers.ErrNotFound) {
			return nil, &ProviderError{ProviderID: providerID, Err: ErrProviderNotConfigured}
		}
		return nil, err
	}
	if !cfg.Configured() {
		return nil, &ProviderError{ProviderID: providerID, Err: ErrProviderNotConfigured}
	}

	flow := newFlow(cfg.ID)
	material, err := c.pkce.Generate()
	if err != nil {
		return nil, &ProviderError{ProviderID: cfg.ID, Err: err}
	}
	flow.setState(StatePKCEGenerated)

	flow.AuthorizationURL = authCodeURL(cfg, material)

	c.register(ctx, &session{
		flow:     flow,
		kind:     kindDirect,
		config:   cfg,
		verifier: material.Verifier,
		state:    material.State,
	})
	return flow, nil
}

// HandleCallback completes the flow named by payload.FlowID. Provider
// reported errors fail the flow immediately. A callback for an unknown or
// already consumed session, or with the wrong state, is rejected with
// ErrAuthenticationFailed before any request is made.
func (c *Controller) HandleCallback(ctx context.Context, payload CallbackPayload) (*tokenstore.Record, error) {
	if payload.Error != "" {
		authErr := &AuthorizationError{Code: payload.Error, Description: payload.ErrorDescription}
		if s := c.take(payload.FlowID); s != nil {
			return nil, c.fail(ctx, s, authErr)
		}
		slog.WarnContext(ctx, "provider error for unknown flow", "flow_id", payload.FlowID, "error", payload.Error)
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, authErr)
	}

	s := c.take(payload.FlowID)
	if s == nil {
		slog.WarnContext(ctx, "callback without active session", "flow_id", payload.FlowID)
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrNoActiveSession)
	}

	if !sameSecret(payload.State, s.state) ||
		(payload.SessionID != "" && s.remoteSessionID != "" && !sameSecret(payload.SessionID, s.remoteSessionID)) {
		slog.WarnContext(ctx, "callback state mismatch", "flow_id", s.flow.ID, "provider", s.flow.ProviderID)
		err := fmt.Errorf("%w: %w", ErrAuthenticationFailed, ErrStateMismatch)
		s.flow.finish(nil, &ProviderError{ProviderID: s.flow.ProviderID, Err: err})
		return nil, err
	}

	if payload.Code == "" {
		return nil, c.fail(ctx, s, errors.New("callback has no authorization code"))
	}

	return c.complete(ctx, s, payload.Code)
}

// Cancel aborts a pending flow. It reports whether a session was removed.
func (c *Controller) Cancel(flowID string) bool {
	s := c.take(flowID)
	if s == nil {
		return false
	}
	s.flow.finish(nil, &ProviderError{ProviderID: s.flow.ProviderID, Err: ErrFlowCanceled})
	return true
}

// Pending returns the number of sessions waiting for a callback.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Controller) complete(ctx context.Context, s *session, code string) (*tokenstore.Record, error) {
	s.flow.setState(StateExchangingCode)

	var (
		record *tokenstore.Record
		err    error
	)
	switch s.kind {
	case kindDirect:
		record, err = c.exchangeDirect(ctx, s, code)
	case kindProxied:
		record, err = c.exchangeProxied(ctx, s, code)
	case kindOnboarding:
		record, err = c.exchangeOnboarding(ctx, s, code)
	default:
		err = fmt.Errorf("unknown flow kind %d", s.kind)
	}
	if err != nil {
		return nil, c.fail(ctx, s, err)
	}

	if s.kind == kindOnboarding {
		err = c.onboardingSlot.Save(ctx, record)
	} else {
		err = c.sink.Store(ctx, record)
	}
	if err != nil {
		return nil, c.fail(ctx, s, fmt.Errorf("storing tokens: %w", err))
	}

	if s.kind == kindOnboarding {
		// Fork failures leave the stored onboarding token in place
		if err := c.createForks(ctx); err != nil {
			slog.WarnContext(ctx, "onboarding forks failed", "error", err)
			s.flow.forkErr = err
		}
	}

	slog.InfoContext(ctx, "authorization completed", "provider", s.flow.ProviderID, "flow_id", s.flow.ID)
	s.flow.finish(record, nil)
	return record.Clone(), nil
}

func (c *Controller) fail(ctx context.Context, s *session, cause error) error {
	err := &ProviderError{ProviderID: s.flow.ProviderID, Err: cause}
	slog.WarnContext(ctx, "authorization failed", "provider", s.flow.ProviderID, "flow_id", s.flow.ID, "error", cause)
	s.flow.finish(nil, err)
	return err
}

func (c *Controller) register(ctx context.Context, s *session) {
	id := s.flow.ID
	s.flow.setState(StateAwaitingCallback)

	c.mu.Lock()
	s.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.sessions[id] = s
	c.mu.Unlock()

	slog.InfoContext(ctx, "authorization started", "provider", s.flow.ProviderID, "flow_id", id)
}

// take removes and returns the session for flowID, or nil.
func (c *Controller) take(flowID string) *session {
	if flowID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[flowID]
	if !ok {
		return nil
	}
	delete(c.sessions, flowID)
	if s.timer != nil {
		s.timer.Stop()
	}
	return s
}

func (c *Controller) expire(flowID string) {
	s := c.take(flowID)
	if s == nil {
		return
	}
	slog.Warn("authorization timed out", "provider", s.flow.ProviderID, "flow_id", flowID)
	s.flow.finish(nil, &ProviderError{ProviderID: s.flow.ProviderID, Err: ErrFlowTimeout})
}

func sameSecret(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

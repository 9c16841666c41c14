package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/oauthkeep/internal/browser"
	"github.com/florianilch/oauthkeep/internal/callback"
	"github.com/florianilch/oauthkeep/internal/cipher"
	"github.com/florianilch/oauthkeep/internal/fork"
	"github.com/florianilch/oauthkeep/internal/keys"
	"github.com/florianilch/oauthkeep/internal/legacystore"
	"github.com/florianilch/oauthkeep/internal/oauthflow"
	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// OpenFunc hands an authorization URL to the user.
type OpenFunc func(ctx context.Context, url string) error

// Option configures an App.
type Option func(*options)

type options struct {
	open     OpenFunc
	http     *http.Client
	operator []keys.SecretReader
}

// WithBrowser overrides how authorization URLs are opened. A nil func
// leaves opening to the caller.
func WithBrowser(open OpenFunc) Option {
	return func(o *options) {
		o.open = open
	}
}

// WithHTTPClient sets the client used for token endpoint and proxy calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.http = client
	}
}

// WithOperatorSources replaces the operator key sources derived from the config.
func WithOperatorSources(sources ...keys.SecretReader) Option {
	return func(o *options) {
		o.operator = sources
	}
}

// ProviderStatus is a provider id with its token status.
type ProviderStatus struct {
	ProviderID string `json:"provider_id"`
	tokenstore.Status
}

// LoginResult is the outcome of an interactive flow.
type LoginResult struct {
	Record *tokenstore.Record
	// ForkErr reports fork failures after a successful onboarding.
	ForkErr error
}

// App wires the key resolver, stores and flow controller and exposes the
// operations used by the CLI.
type App struct {
	cfg *Config

	keys      *keys.Resolver
	codec     *cipher.Service
	providers *providers.FileStore
	tokens    *tokenstore.Store
	slot      *tokenstore.Slot
	flows     *oauthflow.Controller
	forks     *fork.Client
	open      OpenFunc
}

// New creates a new App instance. The encryption key is resolved here, so a
// due rotation happens once per process start.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{
		open: browser.Open,
		http: &http.Client{Timeout: cfg.Flow.HTTPTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.operator == nil {
		sources, err := operatorSources(cfg.Key)
		if err != nil {
			return nil, err
		}
		o.operator = sources
	}

	resolver, err := keys.NewResolver(cfg.Key.File,
		keys.WithOperatorSources(o.operator...),
		keys.WithMaxAge(cfg.Key.MaxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key resolver: %w", err)
	}
	info, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}
	slog.DebugContext(ctx, "encryption key ready", "source", info.Source, "created_at", info.CreatedAt)

	a := &App{
		cfg:   cfg,
		keys:  resolver,
		codec: cipher.New(resolver),
		open:  o.open,
	}

	a.providers, err = providers.NewFileStore(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider store: %w", err)
	}

	// Provider checks resolve through the controller built below
	a.tokens, err = tokenstore.New(cfg.Tokens.Dir, a.codec,
		tokenstore.WithExpiryBuffer(cfg.Tokens.ExpiryBuffer),
		tokenstore.WithCacheTTL(cfg.Tokens.CacheTTL),
		tokenstore.WithRefreshTimeout(cfg.Flow.HTTPTimeout),
		tokenstore.WithProviderCheck(func(ctx context.Context, id string) error {
			return a.flows.CheckProvider(ctx, id)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	a.slot, err = tokenstore.NewSlot(cfg.Onboarding.File, a.codec)
	if err != nil {
		return nil, fmt.Errorf("failed to create onboarding slot: %w", err)
	}

	flowOpts := []oauthflow.Option{
		oauthflow.WithServers(a.providers),
		oauthflow.WithHTTPClient(o.http),
		oauthflow.WithTimeout(cfg.Flow.Timeout),
		oauthflow.WithHostToken(a.hostToken),
		oauthflow.WithRedirectURI(cfg.Flow.CallbackURL),
	}
	if cfg.Onboarding.Enabled() {
		repos, err := cfg.Onboarding.Repositories()
		if err != nil {
			return nil, err
		}
		source, err := NewPersistentTokenSource(a.slot.Load)
		if err != nil {
			return nil, err
		}
		a.forks, err = fork.New(source, fork.WithAPIURL(cfg.Onboarding.GitHubAPIURL), fork.WithTransport(o.http.Transport))
		if err != nil {
			return nil, fmt.Errorf("failed to create fork client: %w", err)
		}
		flowOpts = append(flowOpts, oauthflow.WithOnboarding(oauthflow.Onboarding{
			AuthorizeURL: cfg.Onboarding.AuthorizeURL,
			ExchangeURL:  cfg.Onboarding.ExchangeURL,
			Forks:        repos,
		}, a.slot, a.forks))
	}

	a.flows, err = oauthflow.New(a.providers, a.tokens, flowOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow controller: %w", err)
	}

	return a, nil
}

func operatorSources(cfg KeyConfig) ([]keys.SecretReader, error) {
	var sources []keys.SecretReader
	if cfg.EnvKey != "" {
		env, err := keys.NewEnvSource(cfg.EnvKey)
		if err != nil {
			return nil, err
		}
		sources = append(sources, env)
	}
	if cfg.KeyringService != "" {
		kr, err := keys.NewKeyringSource(cfg.KeyringService, cfg.KeyringUser)
		if err != nil {
			return nil, err
		}
		sources = append(sources, kr)
	}
	return sources, nil
}

// hostToken returns the token presented to proxy servers.
func (a *App) hostToken(ctx context.Context) (string, error) {
	if id := a.cfg.Flow.HostProvider; id != "" {
		return a.ValidAccessToken(ctx, id)
	}
	record, err := a.slot.Load(ctx)
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// Providers returns the provider configuration store.
func (a *App) Providers() *providers.FileStore {
	return a.providers
}

// KeyInfo describes the active encryption key.
func (a *App) KeyInfo() keys.Info {
	return a.keys.Info()
}

// StartFlow begins a direct flow for providerID.
func (a *App) StartFlow(ctx context.Context, providerID string) (*oauthflow.Flow, error) {
	return a.flows.Start(ctx, providerID)
}

// StartServerProxiedFlow begins a flow brokered by a proxy server.
func (a *App) StartServerProxiedFlow(ctx context.Context, serverID, providerName string) (*oauthflow.Flow, error) {
	return a.flows.StartServerProxiedFlow(ctx, serverID, providerName)
}

// StartOnboarding begins the onboarding flow.
func (a *App) StartOnboarding(ctx context.Context) (*oauthflow.Flow, error) {
	return a.flows.StartOnboarding(ctx)
}

// HandleCallback delivers a redirect payload to its flow.
func (a *App) HandleCallback(ctx context.Context, payload oauthflow.CallbackPayload) (*tokenstore.Record, error) {
	return a.flows.HandleCallback(ctx, payload)
}

// ValidAccessToken returns a live access token, refreshing it when expired.
func (a *App) ValidAccessToken(ctx context.Context, providerID string) (string, error) {
	return a.tokens.ValidAccessToken(ctx, providerID, a.flows.Refresh)
}

// TokenSource returns an oauth2.TokenSource backed by providerID's stored tokens.
func (a *App) TokenSource(providerID string) (*PersistentTokenSource, error) {
	return NewPersistentTokenSource(func(ctx context.Context) (*tokenstore.Record, error) {
		if _, err := a.ValidAccessToken(ctx, providerID); err != nil {
			return nil, err
		}
		return a.tokens.Get(ctx, providerID)
	})
}

// Logout removes providerID's stored tokens.
func (a *App) Logout(ctx context.Context, providerID string) error {
	if providerID == oauthflow.OnboardingProviderID {
		return a.slot.Clear(ctx)
	}
	return a.tokens.Remove(ctx, providerID)
}

// Status reports every stored provider, sorted by id.
func (a *App) Status(ctx context.Context) ([]ProviderStatus, error) {
	statuses, err := a.tokens.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderStatus, 0, len(statuses))
	for id, st := range statuses {
		out = append(out, ProviderStatus{ProviderID: id, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// Migrate copies records from the legacy single-file store into the
// per-provider layout. Existing per-provider files are never overwritten.
func (a *App) Migrate(ctx context.Context) (*tokenstore.MigrationReport, error) {
	legacy, err := legacystore.Open(a.cfg.LegacyFile, a.codec)
	if err != nil {
		return nil, err
	}
	records, err := legacy.Load(ctx)
	if err != nil {
		if errors.Is(err, legacystore.ErrNotFound) {
			return &tokenstore.MigrationReport{}, nil
		}
		return nil, err
	}
	return a.tokens.Migrate(ctx, records)
}

// RotationReport summarizes a key rotation.
type RotationReport struct {
	Key        keys.Info                `json:"key"`
	Tokens     *tokenstore.RewrapReport `json:"tokens"`
	Onboarding bool                     `json:"onboarding_rewrapped"`
}

// RotateKey replaces a generated key and re-encrypts every readable token
// file with it. Files unreadable under the old key are reported and kept.
func (a *App) RotateKey(ctx context.Context) (*RotationReport, error) {
	previous, _, err := a.keys.Regenerate(ctx)
	if err != nil {
		return nil, err
	}

	report := &RotationReport{Key: a.keys.Info()}
	if previous == nil {
		return report, nil
	}
	old := cipher.New(cipher.StaticKey(previous.Key))

	var errs []error
	report.Tokens, err = a.tokens.Rewrap(ctx, old)
	if err != nil {
		errs = append(errs, err)
	}
	report.Onboarding, err = a.slot.Rewrap(ctx, old)
	if err != nil && !errors.Is(err, tokenstore.ErrNotAuthenticated) {
		errs = append(errs, fmt.Errorf("onboarding: %w", err))
	}
	return report, errors.Join(errs...)
}

// PinKey stores key in the configured OS keyring so it is used as the
// operator key from the next start on.
func (a *App) PinKey(ctx context.Context, key string) error {
	if _, ok := keys.ParseOperatorKey(key); !ok {
		return errors.New("key must be 32 bytes or 64 hex characters")
	}
	if a.cfg.Key.KeyringService == "" {
		return errors.New("key.keyring_service and key.keyring_user are not configured")
	}
	kr, err := keys.NewKeyringSource(a.cfg.Key.KeyringService, a.cfg.Key.KeyringUser)
	if err != nil {
		return err
	}
	return kr.Write(ctx, key)
}

// Login runs a direct flow end to end: it starts the flow, listens on the
// provider's redirect URI, opens the browser and waits for the result.
func (a *App) Login(ctx context.Context, providerID string, notify func(url string)) (*LoginResult, error) {
	flow, err := a.flows.Start(ctx, providerID)
	if err != nil {
		return nil, err
	}
	cfg, err := a.providers.Get(ctx, providerID)
	if err != nil {
		a.flows.Cancel(flow.ID)
		return nil, err
	}
	return a.await(ctx, flow, cfg.RedirectURI, notify)
}

// LoginServer runs a server-proxied flow end to end.
func (a *App) LoginServer(ctx context.Context, serverID, providerName string, notify func(url string)) (*LoginResult, error) {
	flow, err := a.flows.StartServerProxiedFlow(ctx, serverID, providerName)
	if err != nil {
		return nil, err
	}
	return a.await(ctx, flow, a.cfg.Flow.CallbackURL, notify)
}

// Onboard runs the onboarding flow end to end. Fork failures are reported in
// the result without failing the login.
func (a *App) Onboard(ctx context.Context, notify func(url string)) (*LoginResult, error) {
	flow, err := a.flows.StartOnboarding(ctx)
	if err != nil {
		return nil, err
	}
	return a.await(ctx, flow, a.cfg.Flow.CallbackURL, notify)
}

// await serves the redirect for flow until it finishes.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) await(ctx context.Context, flow *oauthflow.Flow, redirectURI string, notify func(string)) (*LoginResult, error) {
	address, err := callback.ListenAddress(redirectURI)
	if err != nil {
		a.flows.Cancel(flow.ID)
		return nil, err
	}
	srv, err := callback.New(flow.ID, redirectURI, a.flows.HandleCallback)
	if err != nil {
		a.flows.Cancel(flow.ID)
		return nil, err
	}

	g, gCtx := errgroup.WithContext(ctx)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: the listener must be up before the browser is sent off
	slog.DebugContext(gCtx, "starting callback listener", "address", address)
	srvErrCh, err := srv.Start(gCtx, address)
	if err != nil {
		a.flows.Cancel(flow.ID)
		return nil, fmt.Errorf("callback listener startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, srv.Shutdown)

	if notify != nil {
		notify(flow.AuthorizationURL)
	}
	if a.open != nil {
		if err := a.open(gCtx, flow.AuthorizationURL); err != nil {
			slog.WarnContext(gCtx, "could not open browser", "error", err)
		}
	}

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-srvErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "callback listener runtime error", "error", err)
				return fmt.Errorf("callback listener: %w", err)
			}
			return nil
		case <-flow.Done():
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	var record *tokenstore.Record
	g.Go(func() error {
		rec, err := flow.Wait(gCtx)
		if err != nil {
			if gCtx.Err() != nil {
				a.flows.Cancel(flow.ID)
			}
			return err
		}
		record = rec
		return nil
	})

	runtimeErr := g.Wait()

	// Shutdown phase
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, runtimeErr)
	}
	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "callback listener shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &LoginResult{Record: record, ForkErr: flow.ForkErr()}, nil
}

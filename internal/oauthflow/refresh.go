package oauthflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// Refresh implements tokenstore.RefreshFunc.
func (c *Controller) Refresh(ctx context.Context, current *tokenstore.Record) (*tokenstore.Record, error) {
	if current == nil {
		return nil, errors.New("no record to refresh")
	}
	return c.RefreshToken(ctx, current.ProviderID, current.RefreshToken)
}

// RefreshToken exchanges refreshToken for a new token set. Providers with a
// local config are refreshed against their token endpoint; proxied ids are
// refreshed through their server. The prior refresh token is kept when the
// response does not rotate it.
func (c *Controller) RefreshToken(ctx context.Context, providerID, refreshToken string) (*tokenstore.Record, error) {
	if refreshToken == "" {
		return nil, &ProviderError{ProviderID: providerID, Err: errors.New("no refresh token")}
	}

	cfg, err := c.providers.Get(ctx, providerID)
	switch {
	case err == nil:
		if !cfg.Configured() {
			return nil, &ProviderError{ProviderID: providerID, Err: ErrProviderNotConfigured}
		}
		record, err := c.refreshDirect(ctx, cfg, refreshToken)
		if err != nil {
			return nil, &ProviderError{ProviderID: providerID, Err: err}
		}
		return record, nil
	case !errors.Is(err, providers.ErrNotFound):
		return nil, err
	}

	server, name, err := c.proxiedServer(ctx, providerID)
	if err != nil {
		return nil, err
	}
	record, err := c.refreshProxied(ctx, server, name, providerID, refreshToken)
	if err != nil {
		return nil, &ProviderError{ProviderID: providerID, Err: err}
	}
	return record, nil
}

// CheckProvider reports whether providerID resolves to a configured provider
// or a known proxy server. It fits tokenstore.WithProviderCheck.
func (c *Controller) CheckProvider(ctx context.Context, providerID string) error {
	if providerID == OnboardingProviderID {
		return nil
	}
	_, err := c.providers.Get(ctx, providerID)
	if err == nil || !errors.Is(err, providers.ErrNotFound) {
		return err
	}
	_, _, err = c.proxiedServer(ctx, providerID)
	return err
}

func (c *Controller) proxiedServer(ctx context.Context, providerID string) (*providers.ServerDescriptor, string, error) {
	serverID, name, ok := providers.SplitProxiedProviderID(providerID)
	if !ok || c.servers == nil {
		return nil, "", &ProviderError{ProviderID: providerID, Err: ErrProviderNotConfigured}
	}
	server, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, providers.ErrNotFound) {
			return nil, "", &ProviderError{ProviderID: providerID, Err: fmt.Errorf("%w: %s", ErrServerNotConfigured, serverID)}
		}
		return nil, "", err
	}
	return server, name, nil
}

package oauthflow

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider has no config or no client id.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrServerNotConfigured is returned when a proxy server is unknown.
	ErrServerNotConfigured = errors.New("proxy server not configured")
	// ErrOnboardingNotConfigured is returned when no onboarding endpoints are set.
	ErrOnboardingNotConfigured = errors.New("onboarding not configured")

	// ErrAuthenticationFailed is what callers see for stale or forged callbacks.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNoActiveSession is wrapped in ErrAuthenticationFailed when a callback
	// names no live session.
	ErrNoActiveSession = errors.New("no active authorization session")
	// ErrStateMismatch is wrapped in ErrAuthenticationFailed when the callback
	// state differs from the session's.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrFlowTimeout is the result of a flow that saw no callback in time.
	ErrFlowTimeout = errors.New("authorization timed out")
	// ErrFlowCanceled is the result of a flow canceled by the caller.
	ErrFlowCanceled = errors.New("authorization canceled")
	// ErrFlowPending is returned by Flow.Result before the flow finished.
	ErrFlowPending = errors.New("authorization still pending")
)

// AuthorizationError is an error reported by the provider on the redirect.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
	}
	return "provider returned " + e.Code
}

// TokenExchangeError is a non-2xx response from a token endpoint.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("token endpoint returned status %d: %s", e.Status, body)
}

// ProviderError scopes a flow or refresh failure to a provider.
type ProviderError struct {
	ProviderID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

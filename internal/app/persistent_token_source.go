package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// defaultTokenTimeout bounds one Token call, including a refresh round trip.
const defaultTokenTimeout = time.Minute

// RecordLoader returns a live token record. Refresh and persistence are the
// loader's responsibility.
type RecordLoader func(ctx context.Context) (*tokenstore.Record, error)

// PersistentTokenSource exposes stored tokens as an oauth2.TokenSource.
// Every Token call goes through the loader, so refreshed tokens are persisted
// by the store before they are handed out.
type PersistentTokenSource struct {
	load    RecordLoader
	timeout time.Duration

	last atomic.Pointer[oauth2.Token]
}

// Compile-time check to ensure PersistentTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*PersistentTokenSource)(nil)

// NewPersistentTokenSource creates a PersistentTokenSource.
// No I/O is performed until the first Token call.
func NewPersistentTokenSource(load RecordLoader) (*PersistentTokenSource, error) {
	if load == nil {
		return nil, fmt.Errorf("missing record loader")
	}
	return &PersistentTokenSource{load: load, timeout: defaultTokenTimeout}, nil
}

// Token returns the current access token.
func (p *PersistentTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	record, err := p.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading stored token: %w", err)
	}

	// Hot path: reuse the previous token when the store handed out the same one
	if last := p.last.Load(); last != nil && last.AccessToken == record.AccessToken && last.Expiry.Equal(record.ExpiresAt) {
		return last, nil
	}

	// The refresh token stays with the store
	tok := &oauth2.Token{
		AccessToken: record.AccessToken,
		TokenType:   record.TokenType,
		Expiry:      record.ExpiresAt,
	}
	p.last.Store(tok)
	return tok, nil
}

package tokenstore

import (
	"time"

	"github.com/florianilch/oauthkeep/internal/profile"
)

// DefaultExpiryBuffer is how long before its expiry a token is treated as expired.
const DefaultExpiryBuffer = 5 * time.Minute

// Record is a provider's token set.
type Record struct {
	ProviderID   string           `json:"providerId"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token,omitempty"`
	TokenType    string           `json:"token_type,omitempty"`
	ExpiresAt    time.Time        `json:"expires_at,omitzero"`
	Scope        string           `json:"scope,omitempty"`
	User         *profile.Profile `json:"user,omitempty"`

	// StoredAt is set on first write and never changes afterwards.
	StoredAt time.Time `json:"storedAt,omitzero"`
	// UpdatedAt advances on every write.
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// ExpiryFromLifetime converts a declared lifetime in seconds into an absolute
// instant relative to issued. A non-positive lifetime yields the zero time.
func ExpiryFromLifetime(issued time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return issued.Add(time.Duration(expiresIn) * time.Second)
}

// Authenticated reports whether r carries an access token.
func (r *Record) Authenticated() bool {
	return r != nil && r.AccessToken != ""
}

// Expired reports whether r is within buffer of its expiry at now. Records
// without a declared expiry never expire; records without an access token are
// always expired.
func (r *Record) Expired(now time.Time, buffer time.Duration) bool {
	if !r.Authenticated() {
		return true
	}
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(r.ExpiresAt.Add(-buffer))
}

// Clone returns a copy that shares no mutable state with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.User != nil {
		u := *r.User
		if r.User.Extra != nil {
			u.Extra = make(map[string]any, len(r.User.Extra))
			for k, v := range r.User.Extra {
				u.Extra[k] = v
			}
		}
		out.User = &u
	}
	return &out
}

// Package legacystore reads the single-file token store that predates the
// per-provider layout. It exists so old installations can be migrated.
package legacystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/florianilch/oauthkeep/internal/profile"
	"github.com/florianilch/oauthkeep/internal/securefile"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

var (
	// ErrNotFound is returned when there is no legacy file.
	ErrNotFound = errors.New("legacy token file not found")
	// ErrUnreadable is returned when the legacy file cannot be decrypted or parsed.
	ErrUnreadable = errors.New("legacy token file unreadable")
)

type document struct {
	Tokens map[string]*entry `toml:"tokens"`
}

// Timestamps are epoch milliseconds.
type entry struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token,omitempty"`
	TokenType    string `toml:"token_type,omitempty"`
	ExpiresAt    int64  `toml:"expires_at,omitzero"`
	Scope        string `toml:"scope,omitempty"`
	User         *user  `toml:"user,omitempty"`
	StoredAt     int64  `toml:"stored_at,omitzero"`
	UpdatedAt    int64  `toml:"updated_at,omitzero"`
}

type user struct {
	Provider string `toml:"provider,omitempty"`
	ID       string `toml:"id"`
	Email    string `toml:"email,omitempty"`
	Name     string `toml:"name,omitempty"`
	Picture  string `toml:"picture,omitempty"`
}

// Store is the legacy encrypted token file.
type Store struct {
	path  string
	codec tokenstore.Codec
}

// Open returns a Store for path. The file is not read until Load.
func Open(path string, codec tokenstore.Codec) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("legacy file path cannot be empty")
	}
	if codec == nil {
		return nil, fmt.Errorf("missing codec")
	}
	return &Store{path: path, codec: codec}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load decrypts the legacy file and returns its records keyed by provider id.
func (s *Store) Load(ctx context.Context) (map[string]*tokenstore.Record, error) {
	data, err := securefile.Read(ctx, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading legacy tokens: %w", err)
	}

	plaintext, err := s.codec.Decrypt(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	var doc document
	if err := toml.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	out := make(map[string]*tokenstore.Record, len(doc.Tokens))
	for id, e := range doc.Tokens {
		if e == nil {
			continue
		}
		out[id] = e.record(id)
	}
	return out, nil
}

// Save replaces the legacy file with records. Nothing in the current layout
// writes this format; it is kept for fixtures and downgrade tooling.
func (s *Store) Save(ctx context.Context, records map[string]*tokenstore.Record) error {
	doc := document{Tokens: make(map[string]*entry, len(records))}
	for id, r := range records {
		if r == nil {
			continue
		}
		doc.Tokens[id] = fromRecord(r)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encoding legacy tokens: %w", err)
	}
	payload, err := s.codec.Encrypt(buf.Bytes())
	if err != nil {
		return fmt.Errorf("encrypting legacy tokens: %w", err)
	}
	return securefile.Write(ctx, s.path, []byte(payload))
}

func (e *entry) record(id string) *tokenstore.Record {
	r := &tokenstore.Record{
		ProviderID:   id,
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		TokenType:    e.TokenType,
		ExpiresAt:    fromMillis(e.ExpiresAt),
		Scope:        e.Scope,
		StoredAt:     fromMillis(e.StoredAt),
		UpdatedAt:    fromMillis(e.UpdatedAt),
	}
	if e.User != nil && e.User.ID != "" {
		kind := profile.Kind(e.User.Provider)
		if kind == "" {
			kind = profile.KindFor(id, "")
		}
		r.User = &profile.Profile{
			Provider: kind,
			ID:       e.User.ID,
			Email:    e.User.Email,
			Name:     e.User.Name,
			Picture:  e.User.Picture,
		}
	}
	return r
}

func fromRecord(r *tokenstore.Record) *entry {
	e := &entry{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresAt:    toMillis(r.ExpiresAt),
		Scope:        r.Scope,
		StoredAt:     toMillis(r.StoredAt),
		UpdatedAt:    toMillis(r.UpdatedAt),
	}
	if r.User != nil {
		e.User = &user{
			Provider: string(r.User.Provider),
			ID:       r.User.ID,
			Email:    r.User.Email,
			Name:     r.User.Name,
			Picture:  r.User.Picture,
		}
	}
	return e
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

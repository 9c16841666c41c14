package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/oauthkeep/internal/profile"
	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/securefile"
)

const (
	filePrefix = "token-"
	fileSuffix = ".enc"
)

// DefaultRefreshTimeout bounds one shared refresh, independent of the callers
// waiting on it.
const DefaultRefreshTimeout = time.Minute

var (
	// ErrNotAuthenticated is returned when a provider has no usable record.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRefreshFailed is returned when a refresh failed and the record was removed.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrMissingAccessToken is returned when storing a record without an access token.
	ErrMissingAccessToken = errors.New("record has no access token")
	// ErrUnknownProvider is returned when storing a record for a provider that
	// cannot be resolved.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Codec encrypts and decrypts file payloads.
type Codec interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(payload string) ([]byte, error)
}

// RefreshFunc exchanges current's refresh token for a new record.
type RefreshFunc func(ctx context.Context, current *Record) (*Record, error)

// ProviderCheck reports an error when providerID cannot be resolved to a
// provider config or proxy server.
type ProviderCheck func(ctx context.Context, providerID string) error

// Status summarizes a provider's stored tokens without refreshing them.
type Status struct {
	Authenticated bool             `json:"authenticated"`
	Expired       bool             `json:"expired"`
	User          *profile.Profile `json:"user,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at,omitzero"`
	StoredAt      time.Time        `json:"storedAt,omitzero"`
	UpdatedAt     time.Time        `json:"updatedAt,omitzero"`
}

// entry is a cache slot. A nil record marks a provider as loaded but absent.
type entry struct {
	record *Record
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithExpiryBuffer overrides DefaultExpiryBuffer.
func WithExpiryBuffer(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.expiryBuffer = d
		}
	}
}

// WithCacheTTL expires cached entries after d. Zero keeps them for the
// lifetime of the process.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) {
		s.cacheTTL = d
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

// WithProviderCheck rejects records for providers check cannot resolve.
func WithProviderCheck(check ProviderCheck) Option {
	return func(s *Store) {
		s.check = check
	}
}

// Store is the per-provider encrypted token store.
type Store struct {
	dir            string
	codec          Codec
	now            func() time.Time
	expiryBuffer   time.Duration
	cacheTTL       time.Duration
	refreshTimeout time.Duration
	check          ProviderCheck

	cache    *gocache.Cache
	refreshG singleflight.Group
}

// New creates a Store rooted at dir, creating it with 0700 permissions.
func New(dir string, codec Codec, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("token directory cannot be empty")
	}
	if codec == nil {
		return nil, fmt.Errorf("missing codec")
	}
	if err := securefile.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}

	s := &Store{
		dir:            dir,
		codec:          codec,
		now:            time.Now,
		expiryBuffer:   DefaultExpiryBuffer,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	ttl := gocache.NoExpiration
	cleanup := time.Duration(0)
	if s.cacheTTL > 0 {
		ttl = s.cacheTTL
		cleanup = s.cacheTTL
	}
	s.cache = gocache.New(ttl, cleanup)

	return s, nil
}

// Path returns the file that holds providerID's record.
func (s *Store) Path(providerID string) string {
	return filepath.Join(s.dir, filePrefix+providerID+fileSuffix)
}

// Store persists record, keeping the StoredAt of any existing record and
// advancing UpdatedAt.
func (s *Store) Store(ctx context.Context, record *Record) error {
	if record == nil {
		return errors.New("cannot store nil record")
	}
	if err := s.validID(record.ProviderID); err != nil {
		return err
	}
	if !record.Authenticated() {
		return ErrMissingAccessToken
	}
	if s.check != nil {
		if err := s.check(ctx, record.ProviderID); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnknownProvider, record.ProviderID, err)
		}
	}

	existing, err := s.Get(ctx, record.ProviderID)
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		return err
	}

	now := s.now()
	out := record.Clone()
	out.StoredAt = now
	if existing != nil && !existing.StoredAt.IsZero() {
		out.StoredAt = existing.StoredAt
	}
	out.UpdatedAt = now

	if err := s.write(ctx, out); err != nil {
		return err
	}
	slog.DebugContext(ctx, "stored tokens", "provider", out.ProviderID)
	return nil
}

// Get returns providerID's record, loading it from disk on first access.
// ErrNotAuthenticated is returned when there is no readable record.
func (s *Store) Get(ctx context.Context, providerID string) (*Record, error) {
	if err := s.validID(providerID); err != nil {
		return nil, err
	}

	if v, ok := s.cache.Get(providerID); ok {
		e := v.(*entry)
		if e.record == nil {
			return nil, ErrNotAuthenticated
		}
		return e.record.Clone(), nil
	}

	record, err := s.load(ctx, providerID)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(providerID, &entry{record: record})
	if record == nil {
		return nil, ErrNotAuthenticated
	}
	return record.Clone(), nil
}

// IsExpired reports whether providerID's token is absent or within the expiry
// buffer.
func (s *Store) IsExpired(ctx context.Context, providerID string) (bool, error) {
	record, err := s.Get(ctx, providerID)
	if errors.Is(err, ErrNotAuthenticated) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return record.Expired(s.now(), s.expiryBuffer), nil
}

// ValidAccessToken returns a live access token for providerID, refreshing it
// through refresh when it is expired. When the refresh fails the record is
// removed so the user is asked to authenticate again.
//
// Concurrent callers share one refresh. It runs detached from every caller's
// cancellation and is bounded by the refresh timeout instead; a caller whose
// ctx ends stops waiting but does not abort the refresh for the others.
func (s *Store) ValidAccessToken(ctx context.Context, providerID string, refresh RefreshFunc) (string, error) {
	record, err := s.Get(ctx, providerID)
	if err != nil {
		return "", err
	}
	if !record.Expired(s.now(), s.expiryBuffer) {
		return record.AccessToken, nil
	}

	ch := s.refreshG.DoChan(providerID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		return s.refresh(refreshCtx, record, refresh)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Store) refresh(ctx context.Context, current *Record, refresh RefreshFunc) (string, error) {
	providerID := current.ProviderID

	// A concurrent caller may have refreshed while this one waited
	if latest, err := s.Get(ctx, providerID); err == nil && !latest.Expired(s.now(), s.expiryBuffer) {
		return latest.AccessToken, nil
	}

	fail := func(cause error) (string, error) {
		if ctx.Err() != nil {
			// Running out of time says nothing about the refresh token
			return "", fmt.Errorf("refreshing tokens for %s: %w", providerID, ctx.Err())
		}
		slog.WarnContext(ctx, "token refresh failed, removing stored tokens", "provider", providerID, "error", cause)
		if err := s.Remove(ctx, providerID); err != nil {
			slog.ErrorContext(ctx, "failed to remove stored tokens", "provider", providerID, "error", err)
		}
		return "", fmt.Errorf("%w for %s: %w", ErrRefreshFailed, providerID, cause)
	}

	if current.RefreshToken == "" {
		return fail(errors.New("no refresh token"))
	}
	if refresh == nil {
		return fail(errors.New("no refresh function"))
	}

	next, err := refresh(ctx, current.Clone())
	if err != nil {
		return fail(err)
	}
	if !next.Authenticated() {
		return fail(ErrMissingAccessToken)
	}

	merged := next.Clone()
	merged.ProviderID = providerID
	if merged.RefreshToken == "" {
		merged.RefreshToken = current.RefreshToken
	}
	if merged.User == nil {
		merged.User = current.User
	}
	if merged.Scope == "" {
		merged.Scope = current.Scope
	}
	if err := s.Store(ctx, merged); err != nil {
		return "", fmt.Errorf("persisting refreshed tokens: %w", err)
	}
	slog.InfoContext(ctx, "refreshed tokens", "provider", providerID)
	return merged.AccessToken, nil
}

// Remove deletes providerID's record from the cache and from disk.
func (s *Store) Remove(ctx context.Context, providerID string) error {
	if err := s.validID(providerID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cache.Delete(providerID)
	if err := securefile.Remove(s.Path(providerID)); err != nil {
		return fmt.Errorf("removing tokens for %s: %w", providerID, err)
	}
	return nil
}

// Providers returns the ids of every provider with a token file, sorted.
func (s *Store) Providers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing token directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if providers.ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Status reports every provider with a token file without refreshing anything.
func (s *Store) Status(ctx context.Context) (map[string]Status, error) {
	ids, err := s.Providers(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrNotAuthenticated) {
			return nil, err
		}
		if record == nil {
			out[id] = Status{Expired: true}
			continue
		}
		out[id] = Status{
			Authenticated: record.Authenticated(),
			Expired:       record.Expired(now, s.expiryBuffer),
			User:          record.User,
			ExpiresAt:     record.ExpiresAt,
			StoredAt:      record.StoredAt,
			UpdatedAt:     record.UpdatedAt,
		}
	}
	return out, nil
}

func (s *Store) validID(providerID string) error {
	if !providers.ValidID(providerID) {
		return fmt.Errorf("%w: %q", providers.ErrInvalidID, providerID)
	}
	return nil
}

// load reads and decrypts a record. Missing and undecryptable files yield a nil record.
func (s *Store) load(ctx context.Context, providerID string) (*Record, error) {
	data, err := securefile.Read(ctx, s.Path(providerID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		slog.WarnContext(ctx, "stored tokens unreadable, treating as signed out", "provider", providerID, "error", err)
		return nil, nil
	}

	record, err := decodeRecord(s.codec, data)
	if err != nil {
		slog.WarnContext(ctx, "stored tokens could not be decrypted, treating as signed out", "provider", providerID)
		return nil, nil
	}
	record.ProviderID = providerID
	return record, nil
}

func decodeRecord(codec Codec, data []byte) (*Record, error) {
	plaintext, err := codec.Decrypt(string(data))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &record, nil
}

func encodeRecord(codec Codec, record *Record) ([]byte, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	payload, err := codec.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting record: %w", err)
	}
	return []byte(payload), nil
}

func (s *Store) write(ctx context.Context, record *Record) error {
	data, err := encodeRecord(s.codec, record)
	if err != nil {
		return err
	}
	if err := securefile.Write(ctx, s.Path(record.ProviderID), data); err != nil {
		return fmt.Errorf("writing tokens for %s: %w", record.ProviderID, err)
	}
	s.cache.SetDefault(record.ProviderID, &entry{record: record.Clone()})
	return nil
}

package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/florianilch/oauthkeep/internal/cipher"
	"github.com/florianilch/oauthkeep/internal/securefile"
)

const keySize = cipher.KeySize

// DefaultMaxAge is how long a generated key stays valid before rotation.
const DefaultMaxAge = 365 * 24 * time.Hour

var (
	// ErrOperatorKeyPinned is returned by Regenerate while an operator key is active.
	ErrOperatorKeyPinned = errors.New("cannot regenerate key: operator-supplied key is active")
	// ErrNotResolved is returned when the key is requested before Resolve.
	ErrNotResolved = errors.New("encryption key not resolved")
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithOperatorSources registers operator key sources, checked in order.
func WithOperatorSources(sources ...SecretReader) Option {
	return func(r *Resolver) {
		r.operator = append(r.operator, sources...)
	}
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithRandom overrides the key entropy source.
func WithRandom(random io.Reader) Option {
	return func(r *Resolver) {
		r.random = random
	}
}

// Resolver determines and holds the active encryption key.
type Resolver struct {
	metadataPath string
	operator     []SecretReader
	maxAge       time.Duration
	now          func() time.Time
	random       io.Reader

	mu     sync.RWMutex
	active *Material
	origin string
}

// Compile-time check to ensure Resolver implements cipher.KeySource
var _ cipher.KeySource = (*Resolver)(nil)

// NewResolver creates a Resolver persisting generated keys at metadataPath.
// No I/O is performed until Resolve.
func NewResolver(metadataPath string, opts ...Option) (*Resolver, error) {
	if metadataPath == "" {
		return nil, fmt.Errorf("key metadata path cannot be empty")
	}

	r := &Resolver{
		metadataPath: metadataPath,
		maxAge:       DefaultMaxAge,
		now:          time.Now,
		random:       rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve evaluates the key sources and rotation once. Subsequent calls re-evaluate.
func (r *Resolver) Resolve(ctx context.Context) (Info, error) {
	if m, origin := r.operatorKey(ctx); m != nil {
		r.setActive(m, origin)
		slog.InfoContext(ctx, "using operator-supplied encryption key", "origin", origin)
		return r.Info(), nil
	}

	m, err := r.loadGenerated(ctx)
	if errors.Is(err, securefile.ErrInsecurePermissions) {
		slog.WarnContext(ctx, "encryption key file readable by others, restricting", "path", r.metadataPath)
		if err := securefile.Restrict(r.metadataPath); err != nil {
			return Info{}, fmt.Errorf("restricting encryption key file: %w", err)
		}
		m, err = r.loadGenerated(ctx)
	}

	switch {
	case err == nil && r.now().Sub(m.CreatedAt) < r.maxAge:
		r.setActive(m, r.metadataPath)
		return r.Info(), nil
	case err == nil:
		slog.InfoContext(ctx, "encryption key expired, rotating", "created_at", m.CreatedAt)
	case errors.Is(err, fs.ErrNotExist):
		slog.InfoContext(ctx, "no encryption key found, generating")
	case errors.Is(err, errMalformedMetadata):
		slog.WarnContext(ctx, "stored encryption key unusable, generating a new one", "error", err)
	default:
		// Keep the stored key on disk; replacing it would orphan every token file
		return Info{}, fmt.Errorf("reading encryption key: %w", err)
	}

	m, err = r.generate(ctx)
	if err != nil {
		return Info{}, err
	}
	r.setActive(m, r.metadataPath)
	return r.Info(), nil
}

// Key implements cipher.KeySource.
func (r *Resolver) Key() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return nil, ErrNotResolved
	}
	return bytes.Clone(r.active.Key), nil
}

// Info describes the active key. The zero Info is returned before Resolve.
func (r *Resolver) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return Info{}
	}
	return Info{
		CreatedAt: r.active.CreatedAt,
		Source:    r.active.Source,
		Origin:    r.origin,
	}
}

// Regenerate replaces a generated key with a fresh one and returns the previous
// and new material. It is refused while an operator key is active.
func (r *Resolver) Regenerate(ctx context.Context) (previous, next *Material, err error) {
	r.mu.RLock()
	prev := r.active.clone()
	r.mu.RUnlock()

	if prev != nil && prev.Source == SourceOperator {
		return nil, nil, ErrOperatorKeyPinned
	}

	next, err = r.generate(ctx)
	if err != nil {
		return nil, nil, err
	}
	r.setActive(next, r.metadataPath)
	slog.InfoContext(ctx, "encryption key regenerated")
	return prev, next.clone(), nil
}

func (r *Resolver) operatorKey(ctx context.Context) (*Material, string) {
	for _, src := range r.operator {
		value, err := src.Read(ctx)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.WarnContext(ctx, "operator key source unavailable", "source", src.Name(), "error", err)
			}
			continue
		}
		key, ok := ParseOperatorKey(value)
		if !ok {
			slog.WarnContext(ctx, "operator key ignored: must be 32 bytes (raw) or 64 hex characters", "source", src.Name())
			continue
		}
		return &Material{
			Key:       key,
			CreatedAt: r.now(),
			Source:    SourceOperator,
		}, src.Name()
	}
	return nil, ""
}

func (r *Resolver) loadGenerated(ctx context.Context) (*Material, error) {
	data, err := securefile.Read(ctx, r.metadataPath)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(data)
}

func (r *Resolver) generate(ctx context.Context) (*Material, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r.random, key); err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}

	m := &Material{
		Key:       key,
		CreatedAt: r.now(),
		Source:    SourceGenerated,
	}
	data, err := encodeMetadata(m)
	if err != nil {
		return nil, fmt.Errorf("encoding key metadata: %w", err)
	}
	if err := securefile.Write(ctx, r.metadataPath, data); err != nil {
		return nil, fmt.Errorf("persisting encryption key: %w", err)
	}
	return m, nil
}

func (r *Resolver) setActive(m *Material, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = m
	r.origin = origin
}

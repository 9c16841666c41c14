package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/florianilch/oauthkeep/internal/securefile"
)

// Slot holds a single encrypted record outside the per-provider layout, such
// as the onboarding token.
type Slot struct {
	path  string
	codec Codec
	now   func() time.Time
}

// NewSlot creates a Slot backed by path.
func NewSlot(path string, codec Codec) (*Slot, error) {
	if path == "" {
		return nil, fmt.Errorf("slot path cannot be empty")
	}
	if codec == nil {
		return nil, fmt.Errorf("missing codec")
	}
	return &Slot{path: path, codec: codec, now: time.Now}, nil
}

// Save persists record, keeping StoredAt across overwrites.
func (s *Slot) Save(ctx context.Context, record *Record) error {
	if !record.Authenticated() {
		return ErrMissingAccessToken
	}

	now := s.now()
	out := record.Clone()
	out.StoredAt = now
	out.UpdatedAt = now
	if existing, err := s.Load(ctx); err == nil && !existing.StoredAt.IsZero() {
		out.StoredAt = existing.StoredAt
	}

	data, err := encodeRecord(s.codec, out)
	if err != nil {
		return err
	}
	return securefile.Write(ctx, s.path, data)
}

// Load returns the record or ErrNotAuthenticated if the slot is empty or unreadable.
func (s *Slot) Load(ctx context.Context) (*Record, error) {
	data, err := securefile.Read(ctx, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotAuthenticated
		}
		if ctx.Err() != nil {
			return nil, err
		}
		slog.WarnContext(ctx, "slot unreadable", "error", err)
		return nil, ErrNotAuthenticated
	}

	record, err := decodeRecord(s.codec, data)
	if err != nil {
		slog.WarnContext(ctx, "slot could not be decrypted")
		return nil, ErrNotAuthenticated
	}
	return record, nil
}

// Clear removes the slot file.
func (s *Slot) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return securefile.Remove(s.path)
}

// Rewrap re-encrypts the slot under the current codec when it is only
// readable with previous. It reports whether the file was rewritten.
func (s *Slot) Rewrap(ctx context.Context, previous Codec) (bool, error) {
	data, err := securefile.Read(ctx, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := decodeRecord(s.codec, data); err == nil {
		return false, nil
	}

	record, err := decodeRecord(previous, data)
	if err != nil {
		return false, ErrNotAuthenticated
	}
	record.UpdatedAt = s.now()
	out, err := encodeRecord(s.codec, record)
	if err != nil {
		return false, err
	}
	return true, securefile.Write(ctx, s.path, out)
}

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/securefile"
)

// MigrationReport lists what Migrate did per provider.
type MigrationReport struct {
	Migrated []string          `json:"migrated"`
	Skipped  map[string]string `json:"skipped,omitempty"` // provider id -> reason
}

// Migrate copies legacy records into per-provider files. A provider that
// already has a file is left untouched, so running Migrate repeatedly is safe
// and never replaces a fresher record.
func (s *Store) Migrate(ctx context.Context, legacy map[string]*Record) (*MigrationReport, error) {
	report := &MigrationReport{Skipped: make(map[string]string)}

	ids := make([]string, 0, len(legacy))
	for id := range legacy {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		record := legacy[id]
		switch {
		case !providers.ValidID(id):
			report.Skipped[id] = "invalid provider id"
			continue
		case !record.Authenticated():
			report.Skipped[id] = "no access token"
			continue
		}

		exists, err := securefile.Exists(s.Path(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("checking %s: %w", id, err))
			continue
		}
		if exists {
			report.Skipped[id] = "already migrated"
			continue
		}

		if s.check != nil {
			if err := s.check(ctx, id); err != nil {
				report.Skipped[id] = "provider not configured"
				continue
			}
		}

		now := s.now()
		out := record.Clone()
		out.ProviderID = id
		if out.StoredAt.IsZero() {
			out.StoredAt = now
		}
		if out.UpdatedAt.IsZero() {
			out.UpdatedAt = now
		}
		if err := s.write(ctx, out); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Migrated = append(report.Migrated, id)
		slog.InfoContext(ctx, "migrated legacy tokens", "provider", id)
	}

	if len(report.Skipped) == 0 {
		report.Skipped = nil
	}
	return report, errors.Join(errs...)
}

// RewrapReport lists what Rewrap did per provider.
type RewrapReport struct {
	Rewrapped  []string `json:"rewrapped"`
	Current    []string `json:"current"`
	Unreadable []string `json:"unreadable"`
}

// Rewrap re-encrypts every token file readable with previous under the
// store's current codec. Files already readable with the current codec are
// left alone; files readable with neither are reported and kept.
func (s *Store) Rewrap(ctx context.Context, previous Codec) (*RewrapReport, error) {
	if previous == nil {
		return nil, errors.New("missing previous codec")
	}
	ids, err := s.Providers(ctx)
	if err != nil {
		return nil, err
	}

	report := &RewrapReport{}
	var errs []error
	for _, id := range ids {
		data, err := securefile.Read(ctx, s.Path(id))
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.Unreadable = append(report.Unreadable, id)
			continue
		}

		if _, err := decodeRecord(s.codec, data); err == nil {
			report.Current = append(report.Current, id)
			continue
		}

		record, err := decodeRecord(previous, data)
		if err != nil {
			report.Unreadable = append(report.Unreadable, id)
			continue
		}
		record.ProviderID = id
		record.UpdatedAt = s.now()
		if err := s.write(ctx, record); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Rewrapped = append(report.Rewrapped, id)
	}
	return report, errors.Join(errs...)
}

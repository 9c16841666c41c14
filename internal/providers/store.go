package providers

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no provider or server has the requested id.
	ErrNotFound = errors.New("provider not found")
	// ErrInvalidID is returned for identifiers rejected by ValidID.
	ErrInvalidID = errors.New("invalid provider id")
)

// Store supplies provider metadata by id.
type Store interface {
	// Get returns the provider with id or ErrNotFound.
	Get(ctx context.Context, id string) (*Config, error)

	// GetAvailable returns providers that have a client id.
	GetAvailable(ctx context.Context) ([]*Config, error)

	// Save validates and stores cfg, replacing any provider with the same id.
	Save(ctx context.Context, cfg *Config) error

	// Remove deletes the provider with id. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error

	// ListAll returns every provider, sorted by id.
	ListAll(ctx context.Context) ([]*Config, error)
}

// ServerRegistry supplies proxy server descriptors by id.
type ServerRegistry interface {
	// GetServer returns the server with id or ErrNotFound.
	GetServer(ctx context.Context, id string) (*ServerDescriptor, error)

	// ListServers returns every server, sorted by id.
	ListServers(ctx context.Context) ([]*ServerDescriptor, error)
}

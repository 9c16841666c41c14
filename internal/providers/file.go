package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/florianilch/oauthkeep/internal/securefile"
)

const currentVersion = 0

// document is the on-disk layout of the providers file.
type document struct {
	Version   int                          `toml:"version"`
	Providers map[string]*Config           `toml:"providers"`
	Servers   map[string]*ServerDescriptor `toml:"servers"`
}

// FileStore keeps provider and server metadata in a TOML file. The file is
// re-read on every call so that edits made by hand are picked up.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// Compile-time checks to ensure FileStore implements Store and ServerRegistry
var (
	_ Store          = (*FileStore)(nil)
	_ ServerRegistry = (*FileStore)(nil)
)

// NewFileStore creates a FileStore for path. The file need not exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) load(ctx context.Context) (*document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := &document{Version: currentVersion}
	data, err := securefile.Read(ctx, f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading providers: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("parsing providers: %w", err)
		}
	}

	if doc.Providers == nil {
		doc.Providers = make(map[string]*Config)
	}
	if doc.Servers == nil {
		doc.Servers = make(map[string]*ServerDescriptor)
	}
	for id, cfg := range doc.Providers {
		if cfg == nil || !ValidLocalID(id) {
			delete(doc.Providers, id)
			continue
		}
		cfg.ID = id
	}
	for id, srv := range doc.Servers {
		if srv == nil || !ValidLocalID(id) {
			delete(doc.Servers, id)
			continue
		}
		srv.ID = id
	}
	return doc, nil
}

func (f *FileStore) save(ctx context.Context, doc *document) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encoding providers: %w", err)
	}
	// Client secrets live in this file
	if err := securefile.Write(ctx, f.path, buf.Bytes()); err != nil {
		return fmt.Errorf("writing providers: %w", err)
	}
	return nil
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, id string) (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok := doc.Providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cfg.Clone(), nil
}

// GetAvailable implements Store.
func (f *FileStore) GetAvailable(ctx context.Context) ([]*Config, error) {
	all, err := f.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, cfg := range all {
		if cfg.Configured() {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil provider")
	}
	if !ValidLocalID(cfg.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, cfg.ID)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid provider %s: %w", cfg.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return err
	}
	doc.Providers[cfg.ID] = cfg.Clone()
	return f.save(ctx, doc)
}

// Remove implements Store.
func (f *FileStore) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := doc.Providers[id]; !ok {
		return nil
	}
	delete(doc.Providers, id)
	return f.save(ctx, doc)
}

// ListAll implements Store.
func (f *FileStore) ListAll(ctx context.Context) ([]*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Config, 0, len(doc.Providers))
	for _, cfg := range doc.Providers {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetServer implements ServerRegistry.
func (f *FileStore) GetServer(ctx context.Context, id string) (*ServerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	srv, ok := doc.Servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: server %s", ErrNotFound, id)
	}
	out := *srv
	return &out, nil
}

// ListServers implements ServerRegistry.
func (f *FileStore) ListServers(ctx context.Context) ([]*ServerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ServerDescriptor, 0, len(doc.Servers))
	for _, srv := range doc.Servers {
		s := *srv
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveServer validates and stores d, replacing any server with the same id.
func (f *FileStore) SaveServer(ctx context.Context, d *ServerDescriptor) error {
	if d == nil {
		return errors.New("cannot save nil server")
	}
	if !ValidLocalID(d.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, d.ID)
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid server %s: %w", d.ID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load(ctx)
	if err != nil {
		return err
	}
	s := *d
	doc.Servers[d.ID] = &s
	return f.save(ctx, doc)
}

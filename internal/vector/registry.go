package vector

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoCollection is returned when a collection has never been written to.
var ErrNoCollection = errors.New("collection does not exist")

// Registry hands out one shared Storage per collection, opening backends
// lazily on first use. All components resolve collections through it.
type Registry struct {
	uri string
	cfg Config

	mu   sync.Mutex
	open map[string]*Storage
}

// NewRegistry creates a registry for the given vector-store URI.
func NewRegistry(uri string, cfg Config) *Registry {
	return &Registry{
		uri:  uri,
		cfg:  cfg,
		open: make(map[string]*Storage),
	}
}

// Get returns the storage for a collection, opening it if needed. Creation
// is lazy: a collection exists as soon as something is inserted into it.
func (r *Registry) Get(ctx context.Context, collection string) (*Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.open[collection]; ok {
		return s, nil
	}
	s, err := Open(ctx, r.uri, collection, r.cfg)
	if err != nil {
		return nil, err
	}
	r.open[collection] = s
	return s, nil
}

// Lookup is like Get but fails with ErrNoCollection when the collection has
// no persisted state yet. Used by the query path, which must 404 on unknown
// collections instead of creating them.
func (r *Registry) Lookup(ctx context.Context, collection string) (*Storage, error) {
	r.mu.Lock()
	cached := r.open[collection]
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	// Only the local backend can answer existence cheaply; remote backends
	// resolve lazily and report empty results for unknown collections. The
	// collection directory survives a delete-all, so a deleted collection
	// searches as empty rather than unknown.
	if parsed, err := url.Parse(r.uri); err == nil && parsed.Scheme == "hnsw" {
		root := strings.TrimPrefix(r.uri, "hnsw://")
		if _, err := os.Stat(filepath.Join(root, collection)); os.IsNotExist(err) {
			return nil, ErrNoCollection
		}
	}
	return r.Get(ctx, collection)
}

// Forget drops all vectors of a collection and evicts it from the registry;
// a subsequent insert re-creates it lazily.
func (r *Registry) Forget(ctx context.Context, collection string) error {
	r.mu.Lock()
	s, ok := r.open[collection]
	if !ok {
		r.mu.Unlock()
		var err error
		s, err = Open(ctx, r.uri, collection, r.cfg)
		if err != nil {
			return err
		}
	} else {
		delete(r.open, collection)
		r.mu.Unlock()
	}

	return s.DeleteAll(ctx)
}

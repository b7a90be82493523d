// Package vector provides the ANN index abstraction backing similarity
// search, with three backends selected by URI scheme: an on-disk HNSW graph
// (hnsw://), an OpenSearch k-NN index (opensearch+http:// or
// opensearch+https://), and a Qdrant collection (qdrant://).
package vector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotSupported is returned by backends that cannot perform an operation
// (e.g. single-point delete on the local graph). Callers must treat it as
// distinct from an operational failure.
var ErrNotSupported = errors.New("operation not supported by this backend")

// Entry is one indexed segment. The payload fields are enough to rebuild a
// scored result even when the relational store is briefly unavailable.
type Entry struct {
	// ID is the segment uuid and the external document id in every backend.
	ID      string
	TaskID  int64
	Segment int
	Text    string
	Vector  []float32
}

// SearchResult is one k-NN hit; a larger Score means more similar. The local
// graph scores 1 - cosine distance (1 for an identical direction, below 0 for
// vectors more than 90 degrees apart); remote backends pass their engine's
// score through.
type SearchResult struct {
	ID    string
	Score float32
}

// Store is the backend interface. Implementations are not safe for
// concurrent mutation; Storage serializes writes.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	BulkInsert(ctx context.Context, entries []Entry) error
	// Delete removes one entry by id. May return ErrNotSupported.
	Delete(ctx context.Context, id string) error
	// DeleteAll drops the whole collection/index.
	DeleteAll(ctx context.Context) error
	Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error)
}

// Storage wraps a backend with a write mutex; it is the shared per-collection
// handle handed to workers and the query service.
type Storage struct {
	mu    sync.Mutex
	store Store
}

// NewStorage wraps a backend.
func NewStorage(store Store) *Storage {
	return &Storage{store: store}
}

func (s *Storage) Insert(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Insert(ctx, entry)
}

func (s *Storage) BulkInsert(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.BulkInsert(ctx, entries)
}

func (s *Storage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, id)
}

func (s *Storage) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteAll(ctx)
}

func (s *Storage) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	// Reads take the same lock as writes, so a search never runs while an
	// insert or delete is changing the backend. Searches are serialized on
	// every backend.
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Search(ctx, vector, limit)
}

// Config carries backend-independent settings.
type Config struct {
	// Dimension of every stored vector.
	Dimension int
}

// Open parses the vector-store URI and returns the backend for the named
// collection. An unknown scheme is an error. The registry calls Open when a
// collection is first used, so an unknown scheme is reported then, not at
// startup.
func Open(ctx context.Context, uri, collection string, cfg Config) (*Storage, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid vector store uri %q: %w", uri, err)
	}

	switch parsed.Scheme {
	case "hnsw":
		// Collections are stored as directories under the configured root.
		root := strings.TrimPrefix(uri, "hnsw://")
		dir := filepath.Join(root, collection)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating collection directory: %w", err)
		}
		store, err := OpenHnswStore(dir)
		if err != nil {
			return nil, err
		}
		return NewStorage(store), nil

	case "opensearch+http", "opensearch+https":
		endpoint := strings.TrimPrefix(parsed.Scheme, "opensearch+") + "://" + parsed.Host
		store, err := NewOpenSearchStore(ctx, OpenSearchConfig{
			Endpoint:  endpoint,
			Username:  parsed.User.Username(),
			Password:  passwordOf(parsed),
			Index:     collection,
			Dimension: cfg.Dimension,
		})
		if err != nil {
			return nil, err
		}
		return NewStorage(store), nil

	case "qdrant":
		store, err := NewQdrantStore(ctx, parsed.Host, collection, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		return NewStorage(store), nil

	default:
		return nil, fmt.Errorf("unsupported vector store scheme %q", parsed.Scheme)
	}
}

func passwordOf(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	pw, _ := u.User.Password()
	return pw
}

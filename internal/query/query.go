// Package query joins vector hits against the metadata store to produce
// ranked text results.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aransky/memoir/internal/storage"
	"github.com/aransky/memoir/internal/vector"
)

// ErrCollectionNotFound is surfaced as 404 by the HTTP layer.
var ErrCollectionNotFound = errors.New("collection not found")

// DefaultLimit is used when the caller does not specify one.
const DefaultLimit = 10

// SegmentHit is one ranked search result.
type SegmentHit struct {
	ID         string  `json:"_id"`
	DocumentID string  `json:"document_id"`
	Segment    int     `json:"segment"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// Embedder embeds the query string.
type Embedder interface {
	EncodeSingle(ctx context.Context, text string) ([]float32, error)
}

// SegmentStore reads segment rows by uuid.
type SegmentStore interface {
	GetSegment(uuid string) (storage.Segment, error)
}

// VectorSearcher resolves and searches the vector store for a collection.
type VectorSearcher interface {
	Lookup(ctx context.Context, collection string) (*vector.Storage, error)
}

// Service answers similarity queries. Query requests bypass the task queue.
type Service struct {
	embedder Embedder
	store    SegmentStore
	vectors  VectorSearcher
	logger   *slog.Logger
}

// New creates a query service.
func New(embedder Embedder, store SegmentStore, vectors VectorSearcher) *Service {
	return &Service{
		embedder: embedder,
		store:    store,
		vectors:  vectors,
		logger:   slog.Default(),
	}
}

// Search embeds the query, asks the collection's vector store for the
// nearest segments, and materializes their content from the metadata store.
// Hits missing from the metadata store are skipped with a warning; the
// vector index is a derived structure and may briefly lead or lag (see the
// ingest dual-write policy). Result order follows the vector store.
func (s *Service) Search(ctx context.Context, collection, queryText string, limit int) ([]SegmentHit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	store, err := s.vectors.Lookup(ctx, collection)
	if err != nil {
		if errors.Is(err, vector.ErrNoCollection) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		return nil, fmt.Errorf("resolving vector store for %s: %w", collection, err)
	}

	qvec, err := s.embedder.EncodeSingle(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := store.Search(ctx, qvec, limit)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}

	results := make([]SegmentHit, 0, len(hits))
	for _, hit := range hits {
		seg, err := s.store.GetSegment(hit.ID)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("vector hit missing from metadata store", "segment_uuid", hit.ID, "collection", collection)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading segment %s: %w", hit.ID, err)
		}

		results = append(results, SegmentHit{
			ID:         seg.UUID,
			DocumentID: seg.DocumentID,
			Segment:    seg.Segment,
			Content:    seg.Content,
			Score:      hit.Score,
		})
	}
	return results, nil
}

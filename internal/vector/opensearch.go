package vector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Compile-time check that OpenSearchStore implements Store.
var _ Store = (*OpenSearchStore)(nil)

// OpenSearchConfig carries connection settings for the remote search backend.
type OpenSearchConfig struct {
	Endpoint  string
	Username  string
	Password  string
	Index     string
	Dimension int
}

// OpenSearchStore is a thin adapter over an OpenSearch cluster with a k-NN
// mapping on the embedding field. The segment uuid is the external document
// id; one index per collection.
type OpenSearchStore struct {
	endpoint   string
	username   string
	password   string
	index      string
	dimension  int
	httpClient *http.Client
}

// NewOpenSearchStore connects and ensures the index exists with the k-NN
// mapping for the configured embedding dimension.
func NewOpenSearchStore(ctx context.Context, cfg OpenSearchConfig) (*OpenSearchStore, error) {
	s := &OpenSearchStore{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		index:     cfg.Index,
		dimension: cfg.Dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// Self-hosted clusters commonly run with self-signed certs.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OpenSearchStore) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.httpClient.Do(req)
}

// ensureIndex creates the collection index with a knn_vector mapping.
// An already-existing index is not an error.
func (s *OpenSearchStore) ensureIndex(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodPut, "/"+s.index, map[string]any{
		"settings": map[string]any{
			"index.knn": true,
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": s.dimension,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating index %s: %w", s.index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "resource_already_exists_exception") {
		return nil
	}
	return fmt.Errorf("creating index %s: status %d: %s", s.index, resp.StatusCode, string(raw))
}

func (s *OpenSearchStore) Insert(ctx context.Context, entry Entry) error {
	return s.BulkInsert(ctx, []Entry{entry})
}

// BulkInsert indexes entries through the _bulk API, one action line and one
// source line per entry.
func (s *OpenSearchStore) BulkInsert(ctx context.Context, entries []Entry) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, entry := range entries {
		if err := enc.Encode(map[string]any{
			"index": map[string]any{"_id": entry.ID},
		}); err != nil {
			return fmt.Errorf("encoding bulk action: %w", err)
		}
		if err := enc.Encode(map[string]any{
			"task_id":    entry.TaskID,
			"segment_id": entry.Segment,
			"text":       entry.Text,
			"embedding":  entry.Vector,
		}); err != nil {
			return fmt.Errorf("encoding bulk source: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/"+s.index+"/_bulk", &body)
	if err != nil {
		return fmt.Errorf("creating bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bulk insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bulk insert: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}
	if parsed.Errors {
		return fmt.Errorf("bulk insert: one or more operations failed")
	}
	return nil
}

func (s *OpenSearchStore) Delete(ctx context.Context, id string) error {
	resp, err := s.do(ctx, http.MethodDelete, "/"+s.index+"/_doc/"+id, nil)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (s *OpenSearchStore) DeleteAll(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodDelete, "/"+s.index, nil)
	if err != nil {
		return fmt.Errorf("deleting index %s: %w", s.index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting index %s: status %d", s.index, resp.StatusCode)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID    string  `json:"_id"`
			Score float32 `json:"_score"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search issues a k-NN query and passes the engine's _score through.
func (s *OpenSearchStore) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	resp, err := s.do(ctx, http.MethodPost, "/"+s.index+"/_search", map[string]any{
		"size": limit,
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{
					"vector": vector,
					"k":      limit,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Index torn down by delete_all and not yet re-created.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("searching: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		results = append(results, SearchResult{ID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aransky/memoir/internal/embedder"
	"github.com/aransky/memoir/internal/engine"
	"github.com/aransky/memoir/internal/llm"
	"github.com/aransky/memoir/internal/query"
	"github.com/aransky/memoir/internal/storage"
	"github.com/aransky/memoir/internal/vector"
	"github.com/aransky/memoir/internal/worker"
)

// letterEngine embeds text as its normalized letter histogram, which makes
// similar texts land close together without a real model.
type letterEngine struct{}

const letterDims = 26

func (letterEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	vec := make([]float32, letterDims)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

func (letterEngine) Chat(context.Context, string, []engine.Message) (string, error) {
	return "", fmt.Errorf("letterEngine cannot chat")
}

func (letterEngine) IsRunning(context.Context) bool { return true }

// countingLLM answers with a canned JSON value and counts calls.
type countingLLM struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLLM) ChatCompletion(context.Context, string, []llm.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return `{"answer": "yes"}`, nil
}

func (c *countingLLM) SegmentText(text string) ([]string, string) { return []string{text}, "fake" }
func (c *countingLLM) TruncateText(text string) (string, string)  { return text, "fake" }

func (c *countingLLM) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testServer struct {
	srv   *httptest.Server
	model *countingLLM
}

// newTestServer wires the full pipeline (real queue, scheduler, worker,
// embedder, and local vector store) behind the HTTP surface.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emb := embedder.Spawn(letterEngine{}, embedder.Config{
		Model:     "letters",
		Dimension: letterDims,
		MaxLength: 256,
		Stride:    86,
	})
	t.Cleanup(emb.Close)

	registry := vector.NewRegistry("hnsw://"+t.TempDir(), vector.Config{Dimension: letterDims})
	model := &countingLLM{}

	limits := worker.NewLimits(5)
	scheduler := worker.NewScheduler(store, limits, 5*time.Millisecond, 0)
	pool := worker.New(store, emb, worker.RegistryStores{Registry: registry}, model, limits)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go scheduler.Run(ctx)
	go pool.Run(scheduler.Dispatch())

	deps := Deps{
		Version: "test",
		Store:   store,
		Query:   query.New(emb, store, registry),
		Vectors: registry,
		Ask: func(askCtx context.Context, text, question, schemaJSON string) ([]byte, error) {
			return worker.ExtractAnswer(askCtx, model, text, question, schemaJSON)
		},
		IsClientErr: worker.IsClientError,
	}

	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, model: model}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (ts *testServer) waitCompleted(t *testing.T, taskID int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", taskID), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("task poll returned %d: %s", resp.StatusCode, body)
		}
		var task struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &task); err != nil {
			t.Fatalf("parsing task: %v", err)
		}
		switch task.Status {
		case "Completed":
			return
		case "Failed":
			t.Fatalf("task %d failed: %s", taskID, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %d did not complete in time", taskID)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.doJSON(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	var parsed map[string]string
	json.Unmarshal(body, &parsed)
	if parsed["version"] != "test" {
		t.Errorf("unexpected version %q", parsed["version"])
	}
}

func TestIngestThenSearch(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.doJSON(t, http.MethodPost, "/api/collections/docs", map[string]string{
		"content": "The quick brown fox jumps over the lazy dog. The quick brown fox jumps over the lazy dog.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", resp.StatusCode, body)
	}

	var ingest struct {
		TaskID     int64  `json:"task_id"`
		Collection string `json:"collection"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(body, &ingest); err != nil {
		t.Fatalf("parsing ingest response: %v", err)
	}
	if ingest.Status != "Queued" || ingest.Collection != "docs" || ingest.TaskID == 0 {
		t.Errorf("unexpected ingest response: %+v", ingest)
	}

	ts.waitCompleted(t, ingest.TaskID)

	resp, body = ts.doJSON(t, http.MethodGet, "/api/collections/docs/search", map[string]any{
		"query": "quick brown fox",
		"limit": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search returned %d: %s", resp.StatusCode, body)
	}

	var search struct {
		Results []query.SegmentHit `json:"results"`
	}
	if err := json.Unmarshal(body, &search); err != nil {
		t.Fatalf("parsing search response: %v", err)
	}
	if len(search.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(search.Results))
	}
	hit := search.Results[0]
	if !strings.Contains(hit.Content, "quick brown fox") {
		t.Errorf("result content does not contain the query phrase: %q", hit.Content)
	}
	if hit.Score < 0.5 {
		t.Errorf("expected a high similarity score, got %f", hit.Score)
	}
	if hit.DocumentID == "" || hit.ID == "" {
		t.Errorf("result missing identifiers: %+v", hit)
	}
}

func TestSearchUnknownCollection(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.doJSON(t, http.MethodGet, "/api/collections/nope/search", map[string]string{"query": "anything"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown collection, got %d", resp.StatusCode)
	}
}

func TestDeleteThenSearch(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.doJSON(t, http.MethodPost, "/api/collections/docs", map[string]string{
		"content": "something worth forgetting",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", resp.StatusCode, body)
	}
	var ingest struct {
		TaskID int64 `json:"task_id"`
	}
	json.Unmarshal(body, &ingest)
	ts.waitCompleted(t, ingest.TaskID)

	resp, _ = ts.doJSON(t, http.MethodDelete, "/api/collections/docs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete returned %d", resp.StatusCode)
	}

	// A deleted collection searches as empty, not as missing.
	resp, body = ts.doJSON(t, http.MethodGet, "/api/collections/docs/search", map[string]string{"query": "forgetting"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search after delete returned %d: %s", resp.StatusCode, body)
	}
	var search struct {
		Results []query.SegmentHit `json:"results"`
	}
	json.Unmarshal(body, &search)
	if len(search.Results) != 0 {
		t.Errorf("expected no results after delete, got %d", len(search.Results))
	}

	// Ingesting into the same collection again succeeds.
	resp, body = ts.doJSON(t, http.MethodPost, "/api/collections/docs", map[string]string{
		"content": "fresh start",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-ingest returned %d: %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &ingest)
	ts.waitCompleted(t, ingest.TaskID)
}

func TestAskAction(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.doJSON(t, http.MethodPost, "/api/action/ask", map[string]string{
		"text":  "The sky is blue.",
		"query": "is the sky blue?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask returned %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		JSONResponse json.RawMessage `json:"jsonResponse"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("parsing ask response: %v", err)
	}
	if len(parsed.JSONResponse) == 0 {
		t.Errorf("missing jsonResponse: %s", body)
	}
}

func TestAskRejectsMalformedSchema(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.doJSON(t, http.MethodPost, "/api/action/ask", map[string]any{
		"text":        "text",
		"query":       "query",
		"json_schema": map[string]string{"type": "notaschema"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed schema, got %d: %s", resp.StatusCode, body)
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("parsing error body: %v", err)
	}
	if !strings.Contains(strings.ToLower(parsed.Message), "schema") {
		t.Errorf("error message should name the schema problem: %q", parsed.Message)
	}
	// No LLM call may be issued for an invalid schema.
	if ts.model.count() != 0 {
		t.Errorf("expected zero LLM calls, saw %d", ts.model.count())
	}
}

func TestSummarizeTask(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.doJSON(t, http.MethodPost, "/api/action/summarize/task", map[string]string{
		"text": "A long document that needs a summary.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summarize returned %d: %s", resp.StatusCode, body)
	}

	var handle struct {
		TaskID int64  `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &handle); err != nil {
		t.Fatalf("parsing task handle: %v", err)
	}
	if handle.Status != "Queued" {
		t.Errorf("expected a queued task handle, got %+v", handle)
	}

	ts.waitCompleted(t, handle.TaskID)

	_, body = ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", handle.TaskID), nil)
	var task struct {
		Result struct {
			Bullets string `json:"bullets"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("parsing completed task: %v", err)
	}
	if task.Result.Bullets == "" {
		t.Errorf("summarize result missing bullets: %s", body)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.doJSON(t, http.MethodGet, "/api/tasks/424242", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.doJSON(t, http.MethodPost, "/api/collections/docs", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

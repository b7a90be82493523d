package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aransky/memoir/internal/extract"
	"github.com/aransky/memoir/internal/query"
	"github.com/aransky/memoir/internal/storage"
)

const (
	// Request body limits: small for queries and actions, large for ingest,
	// larger still for file uploads.
	maxQueryBodySize  = 1 << 20
	maxIngestBodySize = 10 << 20
	maxUploadSize     = 50 << 20
)

// TaskStore is the queue surface used by the HTTP layer.
type TaskStore interface {
	Enqueue(collection string, taskType storage.TaskType, payload storage.TaskPayload) (storage.Task, error)
	GetTask(id int64) (storage.Task, error)
}

// Searcher answers collection queries.
type Searcher interface {
	Search(ctx context.Context, collection, queryText string, limit int) ([]query.SegmentHit, error)
}

// CollectionForgetter tears down a collection's vector index.
type CollectionForgetter interface {
	Forget(ctx context.Context, collection string) error
}

// Asker runs the synchronous extract action.
type Asker func(ctx context.Context, text, question, schemaJSON string) ([]byte, error)

// IsClientErr classifies an Asker failure as the caller's fault.
type IsClientErr func(err error) bool

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Version     string
	Store       TaskStore
	Query       Searcher
	Vectors     CollectionForgetter
	Ask         Asker
	IsClientErr IsClientErr
}

// NewHandler builds the full HTTP routing table.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/collections/{name}", handleAddDocument(deps))
		r.Delete("/collections/{name}", handleDeleteCollection(deps))
		r.Get("/collections/{name}/search", handleSearch(deps))
		r.Post("/collections/{name}/upload", handleUpload(deps))

		r.Get("/tasks/{id}", handleGetTask(deps))

		r.Post("/action/ask", handleAsk(deps))
		r.Post("/action/summarize/task", handleSummarizeTask(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"version": deps.Version})
	}
}

// taskResponse is the queue row as presented over HTTP.
type taskResponse struct {
	TaskID     int64              `json:"task_id"`
	Collection string             `json:"collection"`
	Status     string             `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      *storage.TaskError `json:"error,omitempty"`
}

func toTaskResponse(task storage.Task) taskResponse {
	return taskResponse{
		TaskID:     task.ID,
		Collection: task.Collection,
		Status:     string(task.Status),
		CreatedAt:  task.CreatedAt,
		Result:     json.RawMessage(task.Output),
		Error:      task.Error,
	}
}

type addDocumentRequest struct {
	Content string `json:"content"`
}

func handleAddDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req addDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "content is required")
			return
		}

		enqueueIngest(deps, w, chi.URLParam(r, "name"), req.Content)
	}
}

func enqueueIngest(deps Deps, w http.ResponseWriter, collection, content string) {
	task, err := deps.Store.Enqueue(collection, storage.TaskIngest, storage.TaskPayload{Content: content})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "queue_error", "failed to enqueue task: %v", err)
		return
	}

	respondJSON(w, http.StatusOK, taskResponse{
		TaskID:     task.ID,
		Collection: task.Collection,
		Status:     string(task.Status),
		CreatedAt:  task.CreatedAt,
	})
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form: %v", err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "reading upload: %v", err)
			return
		}

		content, err := extract.Text(header.Filename, data)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "extraction_error", "unable to extract text: %v", err)
			return
		}

		enqueueIngest(deps, w, chi.URLParam(r, "name"), content)
	}
}

func handleDeleteCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := deps.Vectors.Forget(r.Context(), name); err != nil {
			httpError(w, http.StatusInternalServerError, "delete_error", "unable to delete collection: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"collection": name, "status": "deleted"})
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []query.SegmentHit `json:"results"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "query is required")
			return
		}
		if req.Limit <= 0 {
			req.Limit = query.DefaultLimit
		}

		hits, err := deps.Query.Search(r.Context(), chi.URLParam(r, "name"), req.Query, req.Limit)
		if err != nil {
			if errors.Is(err, query.ErrCollectionNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "search_error", "search failed: %v", err)
			return
		}
		if hits == nil {
			hits = []query.SegmentHit{}
		}

		respondJSON(w, http.StatusOK, searchResponse{Results: hits})
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid task id")
			return
		}

		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no task with id %d", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "unable to read task: %v", err)
			return
		}

		respondJSON(w, http.StatusOK, toTaskResponse(task))
	}
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/aransky/memoir/internal/storage"
)

type askRequest struct {
	Text       string          `json:"text"`
	Query      string          `json:"query"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// handleAsk runs schema-constrained extraction synchronously: truncate the
// text to the model budget, prompt, and return the parsed JSON. A malformed
// schema is rejected before any LLM call.
func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
			return
		}
		if req.Text == "" || req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "text and query are required")
			return
		}

		result, err := deps.Ask(r.Context(), req.Text, req.Query, string(req.JSONSchema))
		if err != nil {
			if deps.IsClientErr != nil && deps.IsClientErr(err) {
				httpError(w, http.StatusBadRequest, "invalid_request", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "llm_error", "extraction failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(result)
	}
}

type summarizeRequest struct {
	Text string `json:"text"`
}

// handleSummarizeTask enqueues an asynchronous summarization and returns
// the task handle; callers poll /api/tasks/{id} for the result.
func handleSummarizeTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req summarizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "text is required")
			return
		}

		task, err := deps.Store.Enqueue("tasks", storage.TaskSummarize, storage.TaskPayload{Content: req.Text})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "queue_error", "failed to enqueue task: %v", err)
			return
		}

		respondJSON(w, http.StatusOK, toTaskResponse(task))
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/aransky/memoir/internal/ident"
	"github.com/aransky/memoir/internal/llm"
	"github.com/aransky/memoir/internal/storage"
	"github.com/aransky/memoir/internal/vector"
)

// handleIngest embeds the payload, commits the document and its segments in
// one transaction, then bulk-indexes the vectors. The metadata commit is the
// source of truth: a vector-store failure after the commit is logged and the
// task still completes, since the segments can be re-indexed later.
func (w *Worker) handleIngest(ctx context.Context, task storage.Task) error {
	embeddings, err := w.encoder.Encode(ctx, task.Payload.Content)
	if err != nil {
		return fmt.Errorf("generating embeddings: %w", err)
	}
	w.logger.Info("created embeddings", "task_id", task.ID, "segments", len(embeddings))

	docUUID := ident.DocumentUUID(task.ID)
	doc := storage.Document{
		UUID:    docUUID,
		TaskID:  task.ID,
		Content: task.Payload.Content,
	}

	segments := make([]storage.Segment, len(embeddings))
	entries := make([]vector.Entry, len(embeddings))
	for idx, emb := range embeddings {
		segUUID := ident.SegmentUUID(docUUID, idx)
		segments[idx] = storage.Segment{
			UUID:       segUUID,
			DocumentID: docUUID,
			Segment:    idx,
			Content:    emb.Content,
			Vector:     emb.Vector,
		}
		entries[idx] = vector.Entry{
			ID:      segUUID,
			TaskID:  task.ID,
			Segment: idx,
			Text:    emb.Content,
			Vector:  emb.Vector,
		}
	}

	if err := w.store.InsertDocumentWithSegments(doc, segments); err != nil {
		return fmt.Errorf("persisting document %s: %w", docUUID, err)
	}

	store, err := w.vectors.Get(ctx, task.Collection)
	if err != nil {
		w.logger.Error("unable to resolve vector store", "task_id", task.ID, "collection", task.Collection, "error", err)
		return nil
	}
	if err := store.BulkInsert(ctx, entries); err != nil {
		w.logger.Error("unable to index vectors", "task_id", task.ID, "collection", task.Collection, "error", err)
	}
	return nil
}

// summarizeOutput is the structured result stored on a Summarize task.
type summarizeOutput struct {
	Bullets string `json:"bullets"`
}

// handleSummarize splits the payload to fit the model budget, summarizes
// the chunks concurrently, and stores the responses concatenated in source
// order.
func (w *Worker) handleSummarize(ctx context.Context, task storage.Task) ([]byte, error) {
	chunks, model := w.llm.SegmentText(task.Payload.Content)

	responses := make([]string, len(chunks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid tripping provider rate limits.

	for i, chunk := range chunks {
		g.Go(func() error {
			response, err := w.llm.ChatCompletion(gCtx, model, llm.Summarize(chunk))
			if err != nil {
				return fmt.Errorf("summarizing chunk %d/%d: %w", i+1, len(chunks), err)
			}
			responses[i] = response
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return json.Marshal(summarizeOutput{Bullets: strings.Join(responses, "\n")})
}

// handleExtract runs the schema-constrained (or plain-question) extraction
// over the truncated payload.
func (w *Worker) handleExtract(ctx context.Context, task storage.Task) ([]byte, error) {
	return ExtractAnswer(ctx, w.llm, task.Payload.Content, task.Payload.Query, task.Payload.SchemaJSON)
}

// ExtractAnswer truncates text to the chosen model's budget, prompts the
// LLM, and returns {"jsonResponse": <value>}. A malformed caller schema is a
// client error and no LLM call is made. Shared by the Extract task handler
// and the synchronous ask endpoint.
func ExtractAnswer(ctx context.Context, model llm.LLM, text, query, schemaJSON string) ([]byte, error) {
	content, modelID := model.TruncateText(text)

	var messages []llm.Message
	if schemaJSON != "" {
		if err := ValidateSchema(schemaJSON); err != nil {
			return nil, err
		}
		messages = llm.JSONSchemaExtraction(content, query, schemaJSON)
	} else {
		messages = llm.QuickQuestion(query)
	}

	response, err := model.ChatCompletion(ctx, modelID, messages)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	var value json.RawMessage
	if err := json.Unmarshal([]byte(response), &value); err != nil {
		return nil, &taskFailure{
			kind:    KindTransientBackend,
			message: fmt.Sprintf("model response is not valid JSON: %v", err),
		}
	}

	// The model's JSON value is embedded byte for byte, not re-encoded.
	out := append([]byte(`{"jsonResponse":`), value...)
	return append(out, '}'), nil
}

// IsClientError reports whether err is the caller's fault (bad schema,
// malformed request) rather than a backend failure. The HTTP layer maps
// these to 4xx.
func IsClientError(err error) bool {
	var failure *taskFailure
	return errors.As(err, &failure) && failure.kind == KindClientRequest
}

// ValidateSchema compiles the caller-supplied JSON Schema. Compilation
// failure is a ClientRequestError carrying the validator's message.
func ValidateSchema(schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("request.json", strings.NewReader(schemaJSON)); err != nil {
		return &taskFailure{kind: KindClientRequest, message: fmt.Sprintf("invalid JSON Schema: %v", err)}
	}
	if _, err := compiler.Compile("request.json"); err != nil {
		return &taskFailure{kind: KindClientRequest, message: fmt.Sprintf("invalid JSON Schema: %v", err)}
	}
	return nil
}

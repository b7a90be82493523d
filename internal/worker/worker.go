package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aransky/memoir/internal/embedder"
	"github.com/aransky/memoir/internal/llm"
	"github.com/aransky/memoir/internal/storage"
	"github.com/aransky/memoir/internal/vector"
)

// Error kinds recorded on failed tasks.
const (
	KindClientRequest      = "ClientRequestError"
	KindTransientBackend   = "TransientBackendError"
	KindPermanentBackend   = "PermanentBackendError"
	KindInvariantViolation = "InternalInvariantViolation"
)

// Store is the metadata store as seen by the worker.
type Store interface {
	GetTask(id int64) (storage.Task, error)
	MarkDone(id int64, output []byte) error
	MarkFailed(id int64, retry bool, taskErr storage.TaskError) error
	InsertDocumentWithSegments(doc storage.Document, segments []storage.Segment) error
}

// Encoder generates windowed embeddings for ingest.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]embedder.Embedding, error)
}

// VectorSink receives the bulk insert after an ingest commit.
type VectorSink interface {
	BulkInsert(ctx context.Context, entries []vector.Entry) error
}

// VectorStores resolves the vector sink for a collection.
type VectorStores interface {
	Get(ctx context.Context, collection string) (VectorSink, error)
}

// RegistryStores adapts a vector.Registry to the VectorStores interface.
type RegistryStores struct {
	Registry *vector.Registry
}

func (r RegistryStores) Get(ctx context.Context, collection string) (VectorSink, error) {
	s, err := r.Registry.Get(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Worker executes claimed tasks. Each task runs as its own goroutine; tasks
// of the same type are not serialized.
type Worker struct {
	store    Store
	encoder  Encoder
	vectors  VectorStores
	llm      llm.LLM
	limits   *Limits
	logger   *slog.Logger
	inFlight sync.WaitGroup
}

// New creates a worker pool sharing the scheduler's limits.
func New(store Store, encoder Encoder, vectors VectorStores, model llm.LLM, limits *Limits) *Worker {
	return &Worker{
		store:   store,
		encoder: encoder,
		vectors: vectors,
		llm:     model,
		limits:  limits,
		logger:  slog.Default(),
	}
}

// Run consumes the dispatch stream until it closes, then drains in-flight
// tasks. In-flight tasks are never forcibly cancelled: they run to
// completion and update the queue, giving at-least-once semantics.
func (w *Worker) Run(tasks <-chan int64) {
	for id := range tasks {
		w.inFlight.Add(1)
		go func(taskID int64) {
			defer w.inFlight.Done()
			defer w.limits.Dec()
			w.process(taskID)
		}(id)
	}
	w.inFlight.Wait()
}

// process re-reads the task row (the scheduler hands over only the id),
// runs the type-specific handler, and records the terminal transition.
func (w *Worker) process(taskID int64) {
	ctx := context.Background()
	start := time.Now()

	task, err := w.store.GetTask(taskID)
	if err != nil {
		w.logger.Error("unable to load claimed task", "task_id", taskID, "error", err)
		return
	}

	var output []byte
	switch task.TaskType {
	case storage.TaskIngest:
		err = w.handleIngest(ctx, task)
	case storage.TaskSummarize:
		output, err = w.handleSummarize(ctx, task)
	case storage.TaskExtract:
		output, err = w.handleExtract(ctx, task)
	default:
		err = &taskFailure{kind: KindPermanentBackend, message: "unknown task type " + string(task.TaskType)}
	}

	if err != nil {
		kind, retry := classify(err)
		w.logger.Warn("task failed", "task_id", task.ID, "kind", kind, "retry", retry, "error", err)
		if failErr := w.store.MarkFailed(task.ID, retry, storage.TaskError{Kind: kind, Message: err.Error()}); failErr != nil {
			w.logger.Error("unable to mark task failed", "task_id", task.ID, "error", failErr)
		}
		return
	}

	if err := w.store.MarkDone(task.ID, output); err != nil {
		w.logger.Error("unable to mark task done", "task_id", task.ID, "error", err)
		return
	}
	w.logger.Info("task finished", "task_id", task.ID, "type", task.TaskType, "elapsed", time.Since(start))
}

// taskFailure carries an explicit error kind out of a handler.
type taskFailure struct {
	kind    string
	message string
}

func (e *taskFailure) Error() string {
	return e.message
}

// classify maps a handler error onto the error taxonomy: what kind is
// recorded and whether the task re-enters the queue.
func classify(err error) (kind string, retry bool) {
	var failure *taskFailure
	if errors.As(err, &failure) {
		return failure.kind, failure.kind == KindTransientBackend
	}

	switch llm.KindOf(err) {
	case llm.KindContextLengthExceeded:
		return KindPermanentBackend, false
	case llm.KindTransport, llm.KindNoResponse, llm.KindProvider, llm.KindMalformedResponse:
		return KindTransientBackend, true
	}

	if errors.Is(err, vector.ErrNotSupported) {
		return KindPermanentBackend, false
	}
	if errors.Is(err, embedder.ErrEncodingFailure) {
		return KindPermanentBackend, false
	}

	// Metadata-store blips and anything unrecognized get the retry budget.
	return KindTransientBackend, true
}

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MaxRetries bounds how many times a failed task is re-queued.
const MaxRetries = 5

// TaskType routes a queue row to its worker handler.
type TaskType string

const (
	TaskIngest    TaskType = "Ingest"
	TaskSummarize TaskType = "Summarize"
	TaskExtract   TaskType = "Extract"
)

// TaskStatus is the queue lifecycle state. A row holds exactly one status
// at any instant.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "Queued"
	StatusProcessing TaskStatus = "Processing"
	StatusCompleted  TaskStatus = "Completed"
	StatusFailed     TaskStatus = "Failed"
)

// TaskPayload is the JSON payload column of a queue row.
type TaskPayload struct {
	Content string `json:"content"`
	// Query and SchemaJSON are set for Extract tasks only.
	Query      string `json:"query,omitempty"`
	SchemaJSON string `json:"json_schema,omitempty"`
}

// TaskError records why a task failed.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is one row of the durable job queue.
type Task struct {
	ID         int64
	Collection string
	TaskType   TaskType
	Payload    TaskPayload
	Status     TaskStatus
	Error      *TaskError
	NumRetries int
	// Output holds the handler's structured result as raw JSON, if any.
	Output    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document is one ingested body of text.
type Document struct {
	ID        int64
	UUID      string
	TaskID    int64
	Content   string
	Metadata  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Segment is one embedded window of a document. (DocumentID, Segment) is
// unique and segment values for a document are gapless starting at 0.
type Segment struct {
	ID         int64
	UUID       string
	DocumentID string
	Segment    int
	Content    string
	Vector     []float32
	Metadata   []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

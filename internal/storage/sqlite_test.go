package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueAndGet(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Enqueue("docs", TaskIngest, TaskPayload{Content: "hello"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ID == 0 {
		t.Error("expected a generated id")
	}
	if task.Status != StatusQueued {
		t.Errorf("expected status Queued, got %s", task.Status)
	}
	if task.NumRetries != 0 {
		t.Errorf("expected zero retries, got %d", task.NumRetries)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Collection != "docs" || got.TaskType != TaskIngest || got.Payload.Content != "hello" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTask(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextFIFO(t *testing.T) {
	s := openTestStore(t)

	var ids []int64
	for _, content := range []string{"first", "second", "third"} {
		task, err := s.Enqueue("docs", TaskIngest, TaskPayload{Content: content})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, task.ID)
		// Distinct created_at timestamps.
		time.Sleep(2 * time.Millisecond)
	}

	for i, want := range ids {
		claimed, err := s.ClaimNext()
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed == nil {
			t.Fatalf("claim %d: expected a task", i)
		}
		if claimed.ID != want {
			t.Errorf("claim %d: got task %d, want %d", i, claimed.ID, want)
		}
		if claimed.Status != StatusProcessing {
			t.Errorf("claim %d: status %s, want Processing", i, claimed.Status)
		}
	}

	// Queue drained.
	if claimed, err := s.ClaimNext(); err != nil || claimed != nil {
		t.Errorf("expected empty claim, got task=%v err=%v", claimed, err)
	}
}

func TestClaimExclusivity(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Enqueue("docs", TaskIngest, TaskPayload{Content: "only"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}

	if first == nil {
		t.Fatal("first claim should receive the task")
	}
	if second != nil {
		t.Errorf("second claim should receive nothing, got task %d", second.ID)
	}
}

func TestClaimTieBreakByID(t *testing.T) {
	s := openTestStore(t)

	// Insert rows fast enough that created_at may collide; id order must win.
	first, _ := s.Enqueue("docs", TaskIngest, TaskPayload{Content: "a"})
	second, _ := s.Enqueue("docs", TaskIngest, TaskPayload{Content: "b"})

	claimed, err := s.ClaimNext()
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	if claimed.ID != first.ID {
		t.Errorf("expected task %d first, got %d", first.ID, claimed.ID)
	}
	claimed, err = s.ClaimNext()
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	if claimed.ID != second.ID {
		t.Errorf("expected task %d second, got %d", second.ID, claimed.ID)
	}
}

func TestMarkDoneStoresOutput(t *testing.T) {
	s := openTestStore(t)

	task, _ := s.Enqueue("tasks", TaskSummarize, TaskPayload{Content: "text"})
	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.MarkDone(task.ID, []byte(`{"bullets":"- one"}`)); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected Completed, got %s", got.Status)
	}
	if string(got.Output) != `{"bullets":"- one"}` {
		t.Errorf("unexpected output: %s", got.Output)
	}
}

func TestMarkFailedRetryBound(t *testing.T) {
	s := openTestStore(t)

	task, _ := s.Enqueue("docs", TaskIngest, TaskPayload{Content: "flaky"})
	taskErr := TaskError{Kind: "TransientBackendError", Message: "boom"}

	// Each retriable failure re-queues with num_retries incremented, up to
	// MaxRetries; the next failure is terminal.
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		claimed, err := s.ClaimNext()
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: claim failed: task=%v err=%v", attempt, claimed, err)
		}
		if err := s.MarkFailed(task.ID, true, taskErr); err != nil {
			t.Fatalf("attempt %d: mark failed: %v", attempt, err)
		}

		got, _ := s.GetTask(task.ID)
		if got.Status != StatusQueued {
			t.Fatalf("attempt %d: expected re-queue, got %s", attempt, got.Status)
		}
		if got.NumRetries != attempt {
			t.Errorf("attempt %d: num_retries = %d", attempt, got.NumRetries)
		}
		if !got.CreatedAt.Equal(task.CreatedAt) {
			t.Errorf("attempt %d: created_at changed on retry", attempt)
		}
	}

	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if err := s.MarkFailed(task.ID, true, taskErr); err != nil {
		t.Fatalf("final mark failed: %v", err)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected Failed after exhausting retries, got %s", got.Status)
	}
	if got.NumRetries != MaxRetries {
		t.Errorf("num_retries = %d, want %d", got.NumRetries, MaxRetries)
	}
	if got.Error == nil || got.Error.Kind != "TransientBackendError" {
		t.Errorf("expected recorded error, got %+v", got.Error)
	}
}

func TestMarkFailedPermanent(t *testing.T) {
	s := openTestStore(t)

	task, _ := s.Enqueue("docs", TaskExtract, TaskPayload{Content: "text", Query: "q"})
	s.ClaimNext()

	if err := s.MarkFailed(task.ID, false, TaskError{Kind: "PermanentBackendError", Message: "context length"}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != StatusFailed {
		t.Errorf("expected Failed, got %s", got.Status)
	}
	if got.NumRetries != 0 {
		t.Errorf("permanent failure should not consume retries, got %d", got.NumRetries)
	}
}

func TestRequeueStale(t *testing.T) {
	s := openTestStore(t)

	task, _ := s.Enqueue("docs", TaskIngest, TaskPayload{Content: "stuck"})
	if _, err := s.ClaimNext(); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Nothing is stale under a generous lease.
	n, err := s.RequeueStale(time.Hour)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no stale tasks, requeued %d", n)
	}

	// A zero lease makes the just-claimed row eligible.
	time.Sleep(2 * time.Millisecond)
	n, err = s.RequeueStale(0)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one requeued task, got %d", n)
	}

	got, _ := s.GetTask(task.ID)
	if got.Status != StatusQueued {
		t.Errorf("expected Queued after sweep, got %s", got.Status)
	}
	if got.NumRetries != 0 {
		t.Errorf("sweep must not consume retries, got %d", got.NumRetries)
	}
}

func TestInsertDocumentWithSegments(t *testing.T) {
	s := openTestStore(t)

	doc := Document{UUID: "doc-1", TaskID: 1, Content: "full text"}
	segments := []Segment{
		{UUID: "seg-0", DocumentID: "doc-1", Segment: 0, Content: "full", Vector: []float32{0.1, 0.2}},
		{UUID: "seg-1", DocumentID: "doc-1", Segment: 1, Content: "text", Vector: []float32{0.3, 0.4}},
	}
	if err := s.InsertDocumentWithSegments(doc, segments); err != nil {
		t.Fatalf("insert: %v", err)
	}

	gotDoc, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if gotDoc.Content != "full text" || gotDoc.TaskID != 1 {
		t.Errorf("document mismatch: %+v", gotDoc)
	}

	seg, err := s.GetSegment("seg-1")
	if err != nil {
		t.Fatalf("get segment: %v", err)
	}
	if seg.Segment != 1 || seg.Content != "text" {
		t.Errorf("segment mismatch: %+v", seg)
	}
	if len(seg.Vector) != 2 || seg.Vector[0] != 0.3 {
		t.Errorf("vector round-trip mismatch: %v", seg.Vector)
	}

	all, err := s.SegmentsByDocument("doc-1")
	if err != nil {
		t.Fatalf("segments by document: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(all))
	}
	for i, seg := range all {
		if seg.Segment != i {
			t.Errorf("segment %d out of order: index %d", i, seg.Segment)
		}
	}
}

func TestInsertSegmentsAtomic(t *testing.T) {
	s := openTestStore(t)

	doc := Document{UUID: "doc-2", TaskID: 2, Content: "text"}
	// Duplicate (document_id, segment) violates the unique constraint; the
	// whole transaction must roll back.
	segments := []Segment{
		{UUID: "dup-0", DocumentID: "doc-2", Segment: 0, Content: "a", Vector: []float32{0.1}},
		{UUID: "dup-1", DocumentID: "doc-2", Segment: 0, Content: "b", Vector: []float32{0.2}},
	}
	if err := s.InsertDocumentWithSegments(doc, segments); err == nil {
		t.Fatal("expected constraint violation")
	}

	if _, err := s.GetDocument("doc-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("document should have rolled back, got err=%v", err)
	}
	if _, err := s.GetSegment("dup-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("segments should have rolled back, got err=%v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)

	for range 3 {
		s.Enqueue("docs", TaskIngest, TaskPayload{Content: "x"})
	}
	s.ClaimNext()

	queued, _ := s.CountByStatus(StatusQueued)
	processing, _ := s.CountByStatus(StatusProcessing)
	if queued != 2 || processing != 1 {
		t.Errorf("expected 2 queued / 1 processing, got %d / %d", queued, processing)
	}
}

package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aransky/memoir/internal/engine"
)

// fakeEngine returns a fixed-dimension vector derived from the text length
// and records every call.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	dimension int
	err       error
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, text)
	vec := make([]float32, f.dimension)
	for i := range vec {
		vec[i] = float32(len(text)%7) + float32(i)
	}
	return vec, nil
}

func (f *fakeEngine) Chat(context.Context, string, []engine.Message) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeEngine) IsRunning(context.Context) bool { return true }

func spawnTest(t *testing.T, eng engine.Engine, cfg Config) *SentenceEmbedder {
	t.Helper()
	e := Spawn(eng, cfg)
	t.Cleanup(e.Close)
	return e
}

func TestEncodeSingleWindow(t *testing.T) {
	eng := &fakeEngine{dimension: 4}
	e := spawnTest(t, eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})

	got, err := e.Encode(context.Background(), "a short document")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one segment, got %d", len(got))
	}
	if got[0].Content != "a short document" {
		t.Errorf("unexpected content: %q", got[0].Content)
	}
	if len(got[0].Vector) != 4 {
		t.Errorf("unexpected vector length: %d", len(got[0].Vector))
	}
}

func TestEncodeWindowsInOrder(t *testing.T) {
	var sb strings.Builder
	for i := range 500 {
		fmt.Fprintf(&sb, "word%d ", i)
	}

	eng := &fakeEngine{dimension: 4}
	e := spawnTest(t, eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})

	got, err := e.Encode(context.Background(), sb.String())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// 500 tokens, window 256, step 170: starts at 0, 170, 340.
	if len(got) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(got))
	}

	// Source order: segment i starts with the word at token i*170.
	for i, seg := range got {
		wantPrefix := fmt.Sprintf("word%d ", i*170)
		if !strings.HasPrefix(seg.Content, wantPrefix) {
			t.Errorf("segment %d starts with %q, want prefix %q", i, seg.Content[:16], wantPrefix)
		}
	}

	// The engine saw exactly the window texts, in order.
	if len(eng.calls) != 3 {
		t.Errorf("engine saw %d calls, want 3", len(eng.calls))
	}
}

func TestEncodeDimensionMismatch(t *testing.T) {
	eng := &fakeEngine{dimension: 3}
	e := spawnTest(t, eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})

	_, err := e.Encode(context.Background(), "text")
	if !errors.Is(err, ErrEncodingFailure) {
		t.Errorf("expected ErrEncodingFailure, got %v", err)
	}
}

func TestEncodeEngineError(t *testing.T) {
	eng := &fakeEngine{dimension: 4, err: errors.New("model exploded")}
	e := spawnTest(t, eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})

	_, err := e.Encode(context.Background(), "text")
	if !errors.Is(err, ErrEncodingFailure) {
		t.Errorf("expected ErrEncodingFailure, got %v", err)
	}
}

func TestEncodeEmptyInput(t *testing.T) {
	eng := &fakeEngine{dimension: 4}
	e := spawnTest(t, eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})

	if _, err := e.Encode(context.Background(), "   "); !errors.Is(err, ErrEncodingFailure) {
		t.Errorf("expected ErrEncodingFailure for blank input, got %v", err)
	}
}

func TestEncodeSingleUsesFirstWindow(t *testing.T) {
	var sb strings.Builder
	for i := range 500 {
		fmt.Fprintf(&sb, "word%d ", i)
	}

	eng := &fakeEngine{dimension: 4}
	e := spawnTest(t, eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})

	vec, err := e.EncodeSingle(context.Background(), sb.String())
	if err != nil {
		t.Fatalf("encode single: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("unexpected vector length %d", len(vec))
	}
	if len(eng.calls) != 1 {
		t.Errorf("expected a single model call, got %d", len(eng.calls))
	}
	if !strings.HasPrefix(eng.calls[0], "word0 ") {
		t.Errorf("expected the first window, got %q", eng.calls[0][:16])
	}
}

func TestEncodeAfterClose(t *testing.T) {
	eng := &fakeEngine{dimension: 4}
	e := Spawn(eng, Config{Model: "test", Dimension: 4, MaxLength: 256, Stride: 86})
	e.Close()

	if _, err := e.Encode(context.Background(), "text"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// Package embedder front-ends the sentence-embedding model. The model is
// driven from a single dedicated goroutine that pulls work items off a
// bounded request channel, one at a time; async callers block on a
// per-request reply channel. The bounded channel back-pressures producers.
package embedder

import (
	"context"
	"errors"
	"fmt"

	"github.com/aransky/memoir/internal/engine"
	"github.com/aransky/memoir/internal/tokenizer"
)

// ErrEncodingFailure wraps tokenization or model errors during encode.
var ErrEncodingFailure = errors.New("encoding failure")

// ErrClosed is returned when encoding after Close.
var ErrClosed = errors.New("embedder closed")

// requestCapacity bounds the number of in-flight encode requests.
const requestCapacity = 100

// Embedding is one windowed segment of input text paired with its vector.
type Embedding struct {
	Content string
	Vector  []float32
}

// Config carries the windowing and model parameters.
type Config struct {
	Model     string
	Dimension int
	MaxLength int
	Stride    int
}

type request struct {
	texts []string
	reply chan reply
}

type reply struct {
	vectors [][]float32
	err     error
}

// SentenceEmbedder encodes text into overlapping windowed segment vectors.
type SentenceEmbedder struct {
	cfg      Config
	requests chan request
	quit     chan struct{}
}

// Spawn starts the model runner goroutine and returns the embedder handle.
func Spawn(eng engine.Engine, cfg Config) *SentenceEmbedder {
	e := &SentenceEmbedder{
		cfg:      cfg,
		requests: make(chan request, requestCapacity),
		quit:     make(chan struct{}),
	}
	go e.runner(eng)
	return e
}

// Close stops the runner; callers blocked in Encode receive ErrClosed.
func (e *SentenceEmbedder) Close() {
	close(e.quit)
}

// runner owns the model. It processes one request at a time; windows within
// a request are encoded sequentially so the model never sees concurrent
// calls.
func (e *SentenceEmbedder) runner(eng engine.Engine) {
	for {
		select {
		case <-e.quit:
			return
		case req := <-e.requests:
			vectors := make([][]float32, 0, len(req.texts))
			var err error
			for _, text := range req.texts {
				var vec []float32
				vec, err = eng.Embed(context.Background(), e.cfg.Model, text)
				if err != nil {
					err = fmt.Errorf("%w: %v", ErrEncodingFailure, err)
					break
				}
				if e.cfg.Dimension > 0 && len(vec) != e.cfg.Dimension {
					err = fmt.Errorf("%w: model returned %d dimensions, expected %d", ErrEncodingFailure, len(vec), e.cfg.Dimension)
					break
				}
				vectors = append(vectors, vec)
			}
			req.reply <- reply{vectors: vectors, err: err}
		}
	}
}

func (e *SentenceEmbedder) submit(ctx context.Context, texts []string) ([][]float32, error) {
	req := request{texts: texts, reply: make(chan reply, 1)}

	select {
	case e.requests <- req:
	case <-e.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.vectors, res.err
	case <-e.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Encode windows the text with the configured max length and stride, embeds
// each window, and returns the ordered (content, vector) pairs. Window order
// follows source order, so segment indices assigned by the caller
// reconstruct reading order.
func (e *SentenceEmbedder) Encode(ctx context.Context, text string) ([]Embedding, error) {
	windows := tokenizer.Windows(text, e.cfg.MaxLength, e.cfg.Stride)
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: no encodable tokens in input", ErrEncodingFailure)
	}

	vectors, err := e.submit(ctx, windows)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(windows) {
		return nil, fmt.Errorf("%w: %d windows but %d vectors", ErrEncodingFailure, len(windows), len(vectors))
	}

	embeddings := make([]Embedding, len(windows))
	for i, w := range windows {
		embeddings[i] = Embedding{Content: w, Vector: vectors[i]}
	}
	return embeddings, nil
}

// EncodeSingle embeds only the first window of the text. Used for query
// embedding.
func (e *SentenceEmbedder) EncodeSingle(ctx context.Context, text string) ([]float32, error) {
	windows := tokenizer.Windows(text, e.cfg.MaxLength, e.cfg.Stride)
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: no encodable tokens in input", ErrEncodingFailure)
	}

	vectors, err := e.submit(ctx, windows[:1])
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected one vector, got %d", ErrEncodingFailure, len(vectors))
	}
	return vectors[0], nil
}

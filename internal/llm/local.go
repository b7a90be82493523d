package llm

import (
	"context"

	"github.com/aransky/memoir/internal/engine"
	"github.com/aransky/memoir/internal/tokenizer"
)

// MaxLocalTokens reserves response room (512) and prompt overhead (100)
// from a 2048-token context window.
const MaxLocalTokens = 2_048 - 512 - 100

// Compile-time check that LocalClient implements LLM.
var _ LLM = (*LocalClient)(nil)

// LocalClient serves completions from the local inference engine. A single
// model handles all requests, so segmenting and truncation always select it.
type LocalClient struct {
	engine engine.Engine
	model  string
}

// NewLocalClient wraps the given engine and model name.
func NewLocalClient(eng engine.Engine, model string) *LocalClient {
	return &LocalClient{engine: eng, model: model}
}

func (c *LocalClient) ChatCompletion(ctx context.Context, model string, messages []Message) (string, error) {
	msgs := make([]engine.Message, len(messages))
	for i, m := range messages {
		msgs[i] = engine.Message{Role: m.Role, Content: m.Content}
	}

	resp, err := c.engine.Chat(ctx, model, msgs)
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: err.Error()}
	}
	if resp == "" {
		return "", ErrNoResponse
	}
	return resp, nil
}

func (c *LocalClient) SegmentText(text string) ([]string, string) {
	if tokenizer.CountTokens(text) <= MaxLocalTokens {
		return []string{text}, c.model
	}
	return splitText(text, MaxLocalTokens), c.model
}

func (c *LocalClient) TruncateText(text string) (string, string) {
	if tokenizer.CountTokens(text) <= MaxLocalTokens {
		return text, c.model
	}
	return truncateToBudget(text, MaxLocalTokens), c.model
}

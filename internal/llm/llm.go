// Package llm provides the chat-completion capability with token-budget
// aware text segmentation and truncation. Two providers implement it: a
// remote OpenAI-dialect HTTP client and a local model served by the
// inference engine.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one chat message. Role is "system", "user", or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLM is the capability set shared by all providers.
type LLM interface {
	// ChatCompletion sends messages to the given model and returns the
	// assistant's text response.
	ChatCompletion(ctx context.Context, model string, messages []Message) (string, error)

	// SegmentText splits text so every chunk fits the selected model's
	// token budget and returns the chunks with the chosen model id.
	SegmentText(text string) ([]string, string)

	// TruncateText returns the longest whitespace-delimited prefix that
	// fits the chosen model's budget, plus the chosen model id.
	TruncateText(text string) (string, string)
}

// Error kinds. ContextLengthExceeded must never be retried with the same
// input; transport errors are transient.
const (
	KindContextLengthExceeded = "context_length_exceeded"
	KindNoResponse            = "no_response"
	KindTransport             = "transport"
	KindMalformedResponse     = "malformed_response"
	KindProvider              = "provider"
)

// Error is a provider failure tagged with its kind.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
}

// ErrNoResponse is returned when the provider answered without any choices.
var ErrNoResponse = &Error{Kind: KindNoResponse, Message: "model returned no response"}

// KindOf extracts the error kind, or "" for non-LLM errors.
func KindOf(err error) string {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}
	return ""
}

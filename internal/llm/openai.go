package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/aransky/memoir/internal/tokenizer"
)

// Remote provider models and their usable budgets. The budgets reserve room
// for the response (1024 / 2048 tokens) and prompt overhead (100 tokens).
const (
	ModelSmall = "gpt-3.5-turbo"
	ModelLarge = "gpt-3.5-turbo-16k"

	MaxSmallTokens = 4_097 - 1_024 - 100
	MaxLargeTokens = 16_384 - 2_048 - 100
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	contextLengthCode = "context_length_exceeded"
)

// Compile-time check that OpenAIClient implements LLM.
var _ LLM = (*OpenAIClient)(nil)

// OpenAIClient talks to an OpenAI-dialect chat completion API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client with the given API key.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewOpenAIClientWithBaseURL creates a client pointing at a custom base URL
// (for testing).
func NewOpenAIClientWithBaseURL(apiKey, baseURL string) *OpenAIClient {
	c := NewOpenAIClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type completionRequest struct {
	MaxTokens        int       `json:"max_tokens"`
	N                int       `json:"n"`
	Temperature      float32   `json:"temperature"`
	FrequencyPenalty float32   `json:"frequency_penalty"`
	PresencePenalty  float32   `json:"presence_penalty"`
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion sends a completion request, retrying rate limits, server
// errors and network failures with exponential backoff, for at most
// maxRetries attempts in all.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, model string, messages []Message) (string, error) {
	body, err := json.Marshal(completionRequest{
		MaxTokens:   1024,
		N:           1,
		Temperature: 0.2,
		Model:       model,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.doCompletion(ctx, body)
		if err == nil {
			return resp, nil
		}

		if KindOf(err) != KindTransport {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr)
}

func (c *OpenAIClient) doCompletion(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed completionResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return "", &Error{Kind: KindMalformedResponse, Message: err.Error()}
		}
		if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
			return "", ErrNoResponse
		}
		return parsed.Choices[0].Message.Content, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &Error{Kind: KindTransport, Message: fmt.Sprintf("status %d", resp.StatusCode)}

	default:
		return "", parseAPIError(resp.Body)
	}
}

// parseAPIError reads the provider error body, distinguishing the
// context-length error from everything else.
func parseAPIError(body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return &Error{Kind: KindMalformedResponse, Message: err.Error()}
	}

	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &Error{Kind: KindProvider, Message: string(raw)}
	}
	if parsed.Error.Code == contextLengthCode {
		return &Error{Kind: KindContextLengthExceeded, Message: parsed.Error.Message}
	}
	return &Error{Kind: KindProvider, Message: parsed.Error.Message}
}

// SegmentText selects the smallest model whose budget holds the input, or
// splits the input against the large budget when neither fits whole.
func (c *OpenAIClient) SegmentText(text string) ([]string, string) {
	size := tokenizer.CountTokens(text)
	if size <= MaxSmallTokens {
		return []string{text}, ModelSmall
	}
	if size <= MaxLargeTokens {
		return []string{text}, ModelLarge
	}
	return splitText(text, MaxLargeTokens), ModelLarge
}

// TruncateText keeps the longest prefix fitting the chosen model's budget.
func (c *OpenAIClient) TruncateText(text string) (string, string) {
	size := tokenizer.CountTokens(text)
	if size <= MaxSmallTokens {
		return text, ModelSmall
	}
	if size <= MaxLargeTokens {
		return text, ModelLarge
	}
	return truncateToBudget(text, MaxLargeTokens), ModelLarge
}

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/leadgen-engine/internal/pkg/httpretry"
)

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openAIRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIBackend calls an OpenAI-compatible chat-completions endpoint
// over HTTP, wrapped in the teacher's retry/backoff client since this
// is the one oracle path making outbound third-party HTTP calls.
type OpenAIBackend struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *httpretry.RetryClient
}

// NewOpenAIBackend constructs a backend against baseURL (e.g.
// "https://api.openai.com/v1/chat/completions"). apiKey may be empty
// only if the endpoint does not require bearer auth.
func NewOpenAIBackend(apiKey, baseURL, model string, maxTokens int) *OpenAIBackend {
	return NewOpenAIBackendWithRetries(apiKey, baseURL, model, maxTokens, 3)
}

// NewOpenAIBackendWithRetries is NewOpenAIBackend with an explicit
// retry budget, mainly so tests can disable backoff.
func NewOpenAIBackendWithRetries(apiKey, baseURL, model string, maxTokens, maxRetries int) *OpenAIBackend {
	if model == "" {
		model = "gpt-4o"
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	httpClient := &http.Client{Timeout: 120 * time.Second}
	return &OpenAIBackend{
		apiKey:    apiKey,
		baseURL:   baseURL,
		model:     model,
		maxTokens: maxTokens,
		client:    httpretry.NewRetryClient(httpClient, maxRetries),
	}
}

// Ask implements Oracle. WithWeb has no native meaning for a plain
// chat-completions endpoint and is ignored: the request body carries no
// web or routing field.
func (o *OpenAIBackend) Ask(ctx context.Context, req Request) (Response, error) {
	if o.baseURL == "" {
		return Response{}, fmt.Errorf("%w: no base url configured", ErrConfig)
	}

	body := openAIRequest{
		Model: o.model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: 0.2,
		MaxTokens:   o.maxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: marshal request: %v", ErrInvalid, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %v", ErrConfig, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: openai request: %v", ErrSoft, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read response: %v", ErrSoft, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, fmt.Errorf("%w: openai status %d: %s", ErrSoft, resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("%w: openai status %d: %s", ErrInvalid, resp.StatusCode, string(raw))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("%w: parse response: %v", ErrInvalid, err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("%w: openai error: %s", ErrInvalid, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Response{}, fmt.Errorf("%w: empty openai completion", ErrInvalid)
	}

	return Response{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

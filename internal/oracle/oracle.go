// Package oracle provides a pluggable LLM client used by RatingPipeline
// (candidate scoring) and the validate enrichment pass (company lookup),
// behind a single interface backed by either AWS Bedrock or an
// OpenAI-compatible HTTP endpoint.
package oracle

import (
	"context"
	"errors"
)

// Request is one prompt turn: a system instruction plus a user payload
// (typically a JSON-encoded batch of items). WithWeb requests the
// backend enable web-grounded lookup when the backend supports it.
type Request struct {
	Tier        string
	WithWeb     bool
	WorkspaceID string
	UserID      string
	System      string
	User        string
	Endpoint    string // logical caller name, for usage logging
	UseCache    bool
}

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the raw model output plus its usage. Content is the
// model's text content; callers that expect JSON parse it themselves,
// since a malformed response is a per-caller decision (retry, mark
// failed, mark error) rather than an oracle-level concern.
type Response struct {
	Content string
	Usage   Usage
}

// Sentinel error categories so callers can decide policy (retry vs.
// give up vs. fail the batch) without string-matching error text.
var (
	// ErrSoft is a transient failure worth retrying later (rate limit,
	// upstream 5xx, timeout).
	ErrSoft = errors.New("oracle: soft failure")
	// ErrInvalid means the backend responded but its content could not
	// be used (empty completion, refusal, non-JSON when JSON required).
	ErrInvalid = errors.New("oracle: invalid response")
	// ErrConfig means the backend is unusable due to missing/invalid
	// configuration (no API key, bad region, bad model id).
	ErrConfig = errors.New("oracle: misconfigured")
)

// Oracle asks an LLM backend a single-turn question.
type Oracle interface {
	Ask(ctx context.Context, req Request) (Response, error)
}

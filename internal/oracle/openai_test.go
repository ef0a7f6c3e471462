package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIBackendAskReturnsContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"items":[]}`}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	b := NewOpenAIBackend("test-key", srv.URL, "gpt-4o", 1000)
	resp, err := b.Ask(context.Background(), Request{System: "sys", User: "user"})
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, resp.Content)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
}

func TestOpenAIBackendServerErrorIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackendWithRetries("", srv.URL, "", 0, 1)
	_, err := b.Ask(context.Background(), Request{System: "s", User: "u"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSoft))
}

func TestOpenAIBackendClientErrorIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("k", srv.URL, "", 0)
	_, err := b.Ask(context.Background(), Request{System: "s", User: "u"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestOpenAIBackendMissingBaseURLIsConfig(t *testing.T) {
	b := NewOpenAIBackend("k", "", "", 0)
	_, err := b.Ask(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

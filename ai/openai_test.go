package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawlim/kenny/core"
)

func chatCompletion(content string) map[string]interface{} {
	return map[string]interface{}{
		"model": "test-model",
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
}

// TestGenerateResponse verifies the request shape and response decoding
// against a fake chat-completions endpoint.
func TestGenerateResponse(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(chatCompletion("hello back"))
	}))
	defer server.Close()

	client := NewOpenAIClient(WithAPIKey("test-key"), WithBaseURL(server.URL), WithModel("fallback-model"))
	resp, err := client.GenerateResponse(context.Background(), "hello", &core.AIOptions{
		Model:        "named-model",
		SystemPrompt: "be brief",
		MaxTokens:    100,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	assert.Equal(t, "named-model", gotReq.Model, "per-request model overrides the default")
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be brief", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

// TestGenerateResponseRetries verifies transient upstream failures are
// retried up to the configured bound.
func TestGenerateResponseRetries(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "overloaded", "type": "server_error"},
			})
			return
		}
		json.NewEncoder(w).Encode(chatCompletion("finally"))
	}))
	defer server.Close()

	client := NewOpenAIClient(WithAPIKey("test-key"), WithBaseURL(server.URL), WithMaxRetries(2))
	resp, err := client.GenerateResponse(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Content)
	assert.Equal(t, int64(3), attempts.Load())

	t.Run("exhausted retries surface the last error", func(t *testing.T) {
		attempts.Store(-100)
		client := NewOpenAIClient(WithAPIKey("test-key"), WithBaseURL(server.URL), WithMaxRetries(1))
		_, err := client.GenerateResponse(context.Background(), "hello", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempts")
		assert.Contains(t, err.Error(), "overloaded")
	})
}

// TestGenerateResponseRequiresKey verifies the key guard fires before any
// network traffic.
func TestGenerateResponseRequiresKey(t *testing.T) {
	client := NewOpenAIClient(WithAPIKey(""), WithBaseURL("http://127.0.0.1:1"))
	_, err := client.GenerateResponse(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

// TestMockClient verifies rule matching, the default, and prompt recording.
func TestMockClient(t *testing.T) {
	m := NewMockClient(
		MockRule{Contains: "calendar", Response: `{"verb": "calendar.list"}`},
		MockRule{Contains: "mail", Response: `{"verb": "messages.search"}`},
	)

	resp, err := m.GenerateResponse(context.Background(), "check my calendar today", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"verb": "calendar.list"}`, resp.Content)

	_, err = m.GenerateResponse(context.Background(), "nothing matches this", nil)
	require.Error(t, err)

	m.Default = "fallthrough"
	resp, err = m.GenerateResponse(context.Background(), "nothing matches this", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallthrough", resp.Content)

	assert.Equal(t, 3, m.CallCount())

	resp, err = m.GenerateResponse(context.Background(), "send mail", &core.AIOptions{Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.Model)
}

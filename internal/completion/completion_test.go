// ABOUTME: Tests for the OpenAI-compatible completion client
// ABOUTME: Uses an httptest server speaking the chat completions wire format

package completion

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/conversation"
)

func TestBuildMessages(t *testing.T) {
	msgs := BuildMessages(Request{
		System: "Eres un asistente.",
		History: []conversation.Entry{
			{Role: conversation.RoleUser, Content: "Hola"},
			{Role: conversation.RoleAssistant, Content: "¡Hola!"},
		},
		Input: "¿Precio?",
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "¿Precio?", msgs[3].Content)
}

func TestBuildMessages_DoesNotRepeatInput(t *testing.T) {
	msgs := BuildMessages(Request{
		History: []conversation.Entry{{Role: conversation.RoleUser, Content: "Hola"}},
		Input:   "Hola",
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hola", msgs[0].Content)
}

func TestOpenAI_Complete(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "¡Hola! ¿En qué te ayudo?"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 7, "total_tokens": 37}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key", DefaultModel: "gpt-4o-mini"})
	res, err := client.Complete(t.Context(), Request{System: "sys", Input: "Hola"})
	require.NoError(t, err)

	assert.Equal(t, "¡Hola! ¿En qué te ayudo?", res.Text)
	assert.Equal(t, 37, res.TokensUsed)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	client := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	_, err := client.Complete(t.Context(), Request{Input: "Hola", Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAI_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	client := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	_, err := client.Complete(t.Context(), Request{Input: "Hola", Model: "m"})
	assert.Error(t, err)
}

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/switchboard/ai/modes"
	"github.com/hrygo/switchboard/chat"
)

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{Model: "m"}, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key is required")

	_, err = NewProvider(Config{APIKey: "k"}, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	p, err := NewProvider(Config{APIKey: "k", Model: "m"}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, p.cfg.StreamTimeout)
}

func TestProvider_FactoryAppliesModeTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.txt"), []byte("Be helpful.\n"), 0o600))
	lib := modes.NewLibrary(dir, testLogger())

	p, err := NewProvider(Config{APIKey: "k", Model: "m"}, lib, testLogger())
	require.NoError(t, err)

	agent, err := p.Factory()("chat-9", "demo")
	require.NoError(t, err)
	a, ok := agent.(*Agent)
	require.True(t, ok)
	assert.Equal(t, "demo", a.Mode())
	assert.Equal(t, "Be helpful.", a.system)
	assert.Equal(t, "chat-9", a.chatID)

	agent, err = p.Factory()("chat-9", "mystery")
	require.NoError(t, err)
	assert.Empty(t, agent.(*Agent).system)
}

func TestAgent_StreamResponse(t *testing.T) {
	t.Run("streams deltas until done", func(t *testing.T) {
		reqCh := make(chan openai.ChatCompletionRequest, 1)
		authCh := make(chan string, 1)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			authCh <- r.Header.Get("Authorization")

			var req openai.ChatCompletionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reqCh <- req

			w.Header().Set("Content-Type", "text/event-stream")
			for _, chunk := range []string{"Hel", "lo"} {
				fmt.Fprintf(w, `data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", chunk)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
		defer srv.Close()

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.txt"), []byte("Be helpful."), 0o600))
		lib := modes.NewLibrary(dir, testLogger())

		p, err := NewProvider(Config{
			APIKey:    "test-key",
			BaseURL:   srv.URL + "/v1",
			Model:     "test-model",
			MaxTokens: 64,
		}, lib, testLogger())
		require.NoError(t, err)

		agent, err := p.Factory()("chat-1", "demo")
		require.NoError(t, err)

		stream, err := agent.StreamResponse(context.Background(), "chat-1", []*chat.ChatMessage{
			chat.NewUserMessage("alice", "hi"),
		})
		require.NoError(t, err)
		defer stream.Close()

		var deltas []string
		for delta := range stream.Deltas() {
			deltas = append(deltas, delta)
		}
		assert.Equal(t, []string{"Hel", "lo"}, deltas)
		assert.NoError(t, stream.Err())
		assert.Empty(t, stream.StructuredContent())

		assert.Equal(t, "Bearer test-key", <-authCh)
		req := <-reqCh
		assert.Equal(t, "test-model", req.Model)
		assert.True(t, req.Stream)
		assert.Equal(t, 64, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "Be helpful.", req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "hi", req.Messages[1].Content)
	})

	t.Run("server error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
		}))
		defer srv.Close()

		p, err := NewProvider(Config{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "m"}, nil, testLogger())
		require.NoError(t, err)

		agent, err := p.Factory()("chat-1", "demo")
		require.NoError(t, err)

		_, err = agent.StreamResponse(context.Background(), "chat-1", []*chat.ChatMessage{
			chat.NewUserMessage("alice", "hi"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create stream failed")
	})

	t.Run("close aborts the stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"first"}}]}`+"\n\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}))
		defer srv.Close()

		p, err := NewProvider(Config{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "m"}, nil, testLogger())
		require.NoError(t, err)

		agent, err := p.Factory()("chat-1", "demo")
		require.NoError(t, err)

		stream, err := agent.StreamResponse(context.Background(), "chat-1", []*chat.ChatMessage{
			chat.NewUserMessage("alice", "hi"),
		})
		require.NoError(t, err)

		assert.Equal(t, "first", <-stream.Deltas())
		require.NoError(t, stream.Close())

		for range stream.Deltas() {
			// drain until the pump shuts down
		}
		assert.ErrorIs(t, stream.Err(), context.Canceled)
	})
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/compemperor/engram/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LLMConfig
		want    Client
		wantErr bool
	}{
		{name: "claude-cli", cfg: config.LLMConfig{Provider: "claude-cli"}, want: &ClaudeCLI{}},
		{name: "anthropic", cfg: config.LLMConfig{Provider: "anthropic", AnthropicKey: "k"}, want: &Anthropic{}},
		{name: "anthropic without key", cfg: config.LLMConfig{Provider: "anthropic"}, wantErr: true},
		{name: "ollama", cfg: config.LLMConfig{Provider: "ollama"}, want: &Ollama{}},
		{name: "unknown", cfg: config.LLMConfig{Provider: "gpt"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, c)
		})
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "ollama", Temperature: 0.2})
	require.NoError(t, err)
	o := c.(*Ollama)
	assert.Equal(t, "http://localhost:11434", o.base)
	assert.Equal(t, "llama3.2", o.opts.Model)
	assert.Equal(t, 1024, o.opts.MaxTokens)
	assert.Equal(t, 2*time.Minute, o.opts.Timeout)
	assert.Equal(t, 0.2, o.opts.Temperature)
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.Equal(t, "sys", req.System)
		assert.Equal(t, "user", req.Prompt)
		assert.False(t, req.Stream)
		assert.Equal(t, 128, req.Options.NumPredict)
		w.Write([]byte(`{"response":"  a reflection \n","prompt_eval_count":10,"eval_count":5}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL+"/", Options{Model: "llama3.2", MaxTokens: 128, Timeout: time.Second})
	resp, err := o.Complete(context.Background(), Prompt{System: "sys", User: "user"})
	require.NoError(t, err)
	assert.Equal(t, "a reflection", resp.Content)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, "ollama", resp.Provider)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.System)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Content)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"part one, "},{"type":"text","text":"part two"}],"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("k", Options{Model: "m", MaxTokens: 64, Timeout: time.Second})
	a.endpoint = srv.URL
	resp, err := a.Complete(context.Background(), Prompt{System: "sys", User: "user"})
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", resp.Content)
	assert.Equal(t, 7, resp.TokensUsed)
}

func TestStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.code)
		}))
		_, err := NewOllama(srv.URL, Options{Model: "m", Timeout: time.Second}).Complete(context.Background(), Prompt{User: "p"})
		srv.Close()

		var se *StatusError
		require.True(t, errors.As(err, &se), "code %d: error = %v", tt.code, err)
		assert.Equal(t, "nope", se.Body, "code %d", tt.code)
		assert.Equal(t, tt.want, se.Retryable(), "code %d", tt.code)
	}
}

func TestClaudeCLIMissingBinary(t *testing.T) {
	c := NewClaudeCLI("engram-no-such-binary", Options{Model: "haiku", Timeout: time.Second})
	_, err := c.Complete(context.Background(), Prompt{User: "p"})
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestWithoutSessionEnv(t *testing.T) {
	env := []string{"HOME=/home/agent", "CLAUDE_SESSION_ID=abc", "PATH=/usr/bin", "CLAUDE_PROJECT_DIR=/w"}
	assert.Equal(t, []string{"HOME=/home/agent", "PATH=/usr/bin"}, withoutSessionEnv(env))
	assert.Equal(t, []string{"HOME=/home/agent", "CLAUDE_SESSION_ID=abc", "PATH=/usr/bin", "CLAUDE_PROJECT_DIR=/w"}, env, "input modified")
}

func TestReflectionPrompt(t *testing.T) {
	p := ReflectionPrompt("go/concurrency", []string{"Use contexts.", " Close channels from the sender. "})
	assert.Contains(t, p.System, "150 words")
	for _, want := range []string{"TOPIC: go/concurrency", "1. Use contexts.\n", "2. Close channels from the sender.\n"} {
		assert.Contains(t, p.User, want)
	}
	assert.Equal(t, p.System, p.Text()[:len(p.System)])
	assert.Equal(t, p.User, p.Text()[len(p.Text())-len(p.User):])
}

func TestFake(t *testing.T) {
	f := &Fake{Replies: []string{"first", "second"}}
	for _, want := range []string{"first", "second", "second"} {
		resp, err := f.Complete(context.Background(), Prompt{User: want})
		require.NoError(t, err)
		require.Equal(t, want, resp.Content)
	}
	assert.Len(t, f.Calls(), 3)
}

// Package llm talks to the language models that can write reflections.
package llm

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/compemperor/engram/internal/config"
)

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Response, error)
}

// Prompt separates standing instructions from the material to work on.
// Providers without a system channel receive both concatenated.
type Prompt struct {
	System string
	User   string
}

// Text joins the prompt for providers that take a single string.
func (p Prompt) Text() string {
	if p.System == "" {
		return p.User
	}
	return p.System + "\n\n" + p.User
}

// Response holds the result of a completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// Options are the generation settings shared by every provider.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewClient builds the provider named by cfg.Provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	opts := Options{
		MaxTokens:   cmp.Or(cfg.MaxTokens, 1024),
		Temperature: cfg.Temperature,
		Timeout:     cmp.Or(cfg.Timeout, 2*time.Minute),
	}
	switch cfg.Provider {
	case "claude-cli":
		opts.Model = cmp.Or(cfg.Model, "haiku")
		return NewClaudeCLI("claude", opts), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or llm.anthropic_key")
		}
		opts.Model = cmp.Or(cfg.Model, "claude-haiku-4-5-20251001")
		return NewAnthropic(cfg.AnthropicKey, opts), nil
	case "ollama":
		opts.Model = cmp.Or(cfg.Model, "llama3.2")
		return NewOllama(cmp.Or(cfg.OllamaURL, "http://localhost:11434"), opts), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// StatusError is a non-200 reply from an HTTP provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether the request may succeed if sent again:
// rate limiting and server errors are, client errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

package llm

import (
	"context"
	"net/http"
	"strings"
)

// Ollama calls a local Ollama instance through /api/generate.
type Ollama struct {
	base string
	opts Options
	hc   *http.Client
}

func NewOllama(baseURL string, opts Options) *Ollama {
	return &Ollama{
		base: strings.TrimRight(baseURL, "/"),
		opts: opts,
		hc:   &http.Client{Timeout: opts.Timeout},
	}
}

type ollamaRequest struct {
	Model   string `json:"model"`
	System  string `json:"system,omitempty"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict"`
	} `json:"options"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (o *Ollama) Complete(ctx context.Context, p Prompt) (*Response, error) {
	req := ollamaRequest{Model: o.opts.Model, System: p.System, Prompt: p.User}
	req.Options.Temperature = o.opts.Temperature
	req.Options.NumPredict = o.opts.MaxTokens

	var out ollamaResponse
	if err := postJSON(ctx, o.hc, "ollama", o.base+"/api/generate", nil, req, &out); err != nil {
		return nil, err
	}
	return &Response{
		Content:    strings.TrimSpace(out.Response),
		Provider:   "ollama",
		TokensUsed: out.PromptEvalCount + out.EvalCount,
	}, nil
}

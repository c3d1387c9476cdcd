package llm

import (
	"context"
	"sync"
)

// Fake is a scripted Client. Replies are returned in order and the last
// one repeats; Err, when set, is returned instead.
type Fake struct {
	Replies []string
	Err     error

	mu    sync.Mutex
	calls []Prompt
}

func (f *Fake) Complete(ctx context.Context, p Prompt) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Replies) == 0 {
		return &Response{Provider: "fake"}, nil
	}
	i := min(len(f.calls), len(f.Replies)) - 1
	return &Response{Content: f.Replies[i], Provider: "fake"}, nil
}

// Calls returns the prompts received so far.
func (f *Fake) Calls() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Prompt(nil), f.calls...)
}

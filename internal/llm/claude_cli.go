package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// ClaudeCLI runs `claude -p` as a subprocess, for hosts that are logged in
// to the CLI but hold no API key.
type ClaudeCLI struct {
	bin  string
	opts Options
}

func NewClaudeCLI(bin string, opts Options) *ClaudeCLI {
	return &ClaudeCLI{bin: bin, opts: opts}
}

func (c *ClaudeCLI) args() []string {
	return []string{"-p", "--model", c.opts.Model, "--max-turns", "1"}
}

func (c *ClaudeCLI) Complete(ctx context.Context, p Prompt) (*Response, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.bin, c.args()...)
	cmd.Stdin = strings.NewReader(p.Text())
	// a nested CLI must not attach to the session of the agent that runs engram
	cmd.Env = withoutSessionEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("claude-cli: %s not on PATH: %w", c.bin, err)
		}
		return nil, fmt.Errorf("claude-cli: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, errors.New("claude-cli: empty response")
	}
	return &Response{Content: out, Provider: "claude-cli"}, nil
}

func withoutSessionEnv(env []string) []string {
	return slices.DeleteFunc(slices.Clone(env), func(kv string) bool {
		return strings.HasPrefix(kv, "CLAUDE_")
	})
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execRewriter struct {
	cmd []string
	mu  sync.Mutex
}

type execPayload struct {
	Transcript string `json:"transcript"`
}

type execResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecRewriter wraps a rewriter binary that reads a JSON request on
// stdin and prints a JSON result on stdout.
func NewExecRewriter(command string) (Rewriter, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command is empty")
	}
	return &execRewriter{cmd: args}, nil
}

func (r *execRewriter) Rewrite(ctx context.Context, transcript string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	input, err := json.Marshal(execPayload{Transcript: transcript})
	if err != nil {
		return Result{}, err
	}

	base := r.cmd[0]
	args := append([]string{}, r.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("llm exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Result{}, fmt.Errorf("decode llm exec response: %w", err)
	}
	return Result{
		Text:             resp.Text,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, nil
}

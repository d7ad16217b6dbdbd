package llm

import (
	"context"
	"strings"
	"time"
)

type mockRewriter struct {
	fn func(string) string
}

// NewMockRewriter returns a rewriter that applies fn, or a trivial
// cleanup when fn is nil.
func NewMockRewriter(fn func(string) string) Rewriter {
	if fn == nil {
		fn = func(s string) string { return strings.TrimSpace(s) }
	}
	return &mockRewriter{fn: fn}
}

func (m *mockRewriter) Rewrite(ctx context.Context, transcript string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return Result{Text: m.fn(transcript)}, nil
}

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gradilabs/gradi-desk/internal/config"
)

func TestOpenAIRewriter(t *testing.T) {
	var gotPath string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "  Hello there.  "}},
			},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	rw := NewOpenAIRewriter(config.LLMConfig{
		Endpoint:    srv.URL,
		Model:       "test-model",
		MaxTokens:   64,
		Temperature: 0.2,
	})

	res, err := rw.Rewrite(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotReq.Model != "test-model" {
		t.Errorf("unexpected model %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", gotReq.Messages)
	}
	if !strings.Contains(gotReq.Messages[1].Content, "hello there") {
		t.Error("transcript missing from user prompt")
	}
	if res.Text != "Hello there." {
		t.Errorf("expected trimmed content, got %q", res.Text)
	}
	if res.PromptTokens != 42 || res.CompletionTokens != 7 {
		t.Errorf("token accounting lost: %+v", res)
	}
}

func TestOpenAIRewriterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rw := NewOpenAIRewriter(config.LLMConfig{Endpoint: srv.URL, Model: "m"})
	_, err := rw.Rewrite(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("status missing from error: %v", err)
	}
}

func TestOpenAIRewriterHonorsContext(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	rw := NewOpenAIRewriter(config.LLMConfig{Endpoint: srv.URL, Model: "m"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rw.Rewrite(ctx, "text"); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestMockRewriter(t *testing.T) {
	rw := NewMockRewriter(func(s string) string { return strings.ToUpper(s) })
	res, err := rw.Rewrite(context.Background(), "quiet words")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if res.Text != "QUIET WORDS" {
		t.Errorf("unexpected rewrite: %q", res.Text)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Errorf("mock mode: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "http", Endpoint: "http://127.0.0.1:8000/v1"}); err != nil {
		t.Errorf("http mode: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "exec", Command: "rewrite --stdin"}); err != nil {
		t.Errorf("exec mode: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "grpc"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}

// Package llm adapts the rewrite collaborator: a language-model
// endpoint that corrects recognized transcripts.
package llm

import (
	"context"
	"fmt"

	"github.com/gradilabs/gradi-desk/internal/config"
)

// Result carries the rewritten text and token accounting when the
// backend reports it.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Rewriter transforms a transcript into its corrected form.
type Rewriter interface {
	Rewrite(ctx context.Context, transcript string) (Result, error)
}

// DefaultSystemPrompt constrains the model to transcript correction.
const DefaultSystemPrompt = "You perfect automatic speech recognition transcripts. " +
	"Return only the corrected transcript with no explanations, headers, or meta commentary. " +
	"If the transcript is blank or contains only noise markers, respond with the token [NO_SPEECH]."

const userPromptTemplate = "Rewrite the transcript into clean, fluent text in the same language. " +
	"Do not add new information or commentary. Output the corrected text only. " +
	"If the transcript is blank, non-speech, or noise markers such as [BLANK_AUDIO], " +
	"reply with [NO_SPEECH].\n\nTranscript:\n%s\n\nCorrected text:"

// New builds the rewriter selected by configuration.
func New(cfg config.LLMConfig) (Rewriter, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRewriter(nil), nil
	case "http":
		return NewOpenAIRewriter(cfg), nil
	case "exec":
		return NewExecRewriter(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

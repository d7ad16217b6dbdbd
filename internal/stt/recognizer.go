// Package stt adapts external speech-recognition collaborators behind
// the Recognizer interface.
package stt

import (
	"context"
	"fmt"

	"github.com/gradilabs/gradi-desk/internal/config"
)

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes a mono 16-bit PCM utterance.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}

// New builds the recognizer selected by configuration.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(""), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

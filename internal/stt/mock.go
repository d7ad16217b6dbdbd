package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer that echoes a fixed transcript,
// or a synthetic one describing the input when text is empty.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int) (Result, error) {
	if m.text != "" {
		return Result{Text: m.text, Confidence: 1}, nil
	}
	seconds := float64(len(pcm)/2) / float64(sampleRate)
	return Result{
		Text:       fmt.Sprintf("[mock transcript %.2fs]", seconds),
		Confidence: 0,
	}, nil
}

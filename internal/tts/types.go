// Package tts adapts the synthesis collaborator. Synthesizers return a
// lazy chunk stream; the channel closing is the explicit end-of-stream
// signal, and any failure arrives on the error channel.
package tts

import (
	"context"
	"fmt"

	"github.com/gradilabs/gradi-desk/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk is one unit of streamed audio. The first chunk establishes
// the playback format; subsequent chunks must match it.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Bits       int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// New builds the synthesizer selected by configuration.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, 1), nil
	case "http":
		return NewHTTPSynth(cfg), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, 1)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

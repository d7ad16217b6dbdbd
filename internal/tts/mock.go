package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits a short 440 Hz tone.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(20 * time.Millisecond):
		}

		n := m.sampleRate / 2 // half a second
		pcm := make([]byte, n*2)
		for i := 0; i < n; i++ {
			s := int16(6000 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
		}
		select {
		case chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Bits:       16,
			Channels:   m.channels,
			PCM:        pcm,
			Final:      true,
		}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

// Package playback streams a synthesis stream to the device as one
// exclusive playback job.
package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gradilabs/gradi-desk/internal/bridge"
	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/dsp"
	"github.com/gradilabs/gradi-desk/internal/tts"
)

var (
	// ErrSynthesisInterrupted reports a synthesis stream that failed
	// after its first chunk.
	ErrSynthesisInterrupted = errors.New("synthesis stream interrupted")

	// ErrBadFormat reports a first chunk outside mono 16-bit.
	ErrBadFormat = errors.New("unsupported synthesis format")

	// ErrFormatMismatch reports a chunk whose format differs from the
	// format the first chunk established.
	ErrFormatMismatch = errors.New("synthesis chunk format changed mid-stream")
)

// Stream is a synthesis stream whose first chunk has already been
// drawn off by the first-chunk watchdog.
type Stream struct {
	First  tts.SynthChunk
	Chunks <-chan tts.SynthChunk
	Errs   <-chan error
}

// Result summarizes a completed playback job.
type Result struct {
	SampleRate int
	Samples    int
	Bytes      int
}

// Pump conditions synthesized audio and writes it to the device under
// an exclusive writer hold: PAUSE, START header, paced PCM, END. The
// completion acknowledgement is out-of-band and belongs to the caller.
type Pump struct {
	writer *bridge.Writer
	cfg    config.PlaybackConfig
	log    *slog.Logger
}

func New(writer *bridge.Writer, cfg config.PlaybackConfig, log *slog.Logger) *Pump {
	return &Pump{
		writer: writer,
		cfg:    cfg,
		log:    log.With(slog.String("component", "playback")),
	}
}

// Run buffers the stream, conditions it for the device rate, and
// performs the playback job. The synthesis stream is lazy with an
// unknown total, so the whole stream is collected before the header is
// emitted.
func (p *Pump) Run(ctx context.Context, stream Stream) (Result, error) {
	first := stream.First
	if first.Channels != 1 || (first.Bits != 0 && first.Bits != 16) || first.SampleRate <= 0 {
		return Result{}, fmt.Errorf("%w: rate=%d channels=%d bits=%d",
			ErrBadFormat, first.SampleRate, first.Channels, first.Bits)
	}

	pcm, err := p.collect(ctx, stream)
	if err != nil {
		return Result{}, err
	}

	samples := decodeSamples(pcm)
	samples, err = dsp.Resample(samples, first.SampleRate, p.cfg.SampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("condition playback audio: %w", err)
	}
	outRate := first.SampleRate
	if p.cfg.SampleRate > 0 && p.cfg.SampleRate < first.SampleRate {
		outRate = p.cfg.SampleRate
	}
	dsp.ApplyGain(samples, p.cfg.GainDB)
	if p.cfg.HighpassHz > 0 {
		dsp.NewHighPass(p.cfg.HighpassHz, outRate).Process(samples)
	}
	payload := encodeSamples(samples)

	job := p.writer.Acquire()
	defer job.Release()

	if err := job.Command(bridge.CmdPause); err != nil {
		return Result{}, err
	}
	if err := job.Start(outRate, 1, 16, len(samples)); err != nil {
		return Result{}, err
	}
	if err := job.StreamPCM(ctx, payload, p.cfg.ChunkBytes, outRate); err != nil {
		// Best-effort release of the device state machine.
		if endErr := job.Command(bridge.CmdEnd); endErr != nil {
			p.log.Warn("failed to terminate interrupted playback",
				slog.String("error", endErr.Error()))
		}
		return Result{}, fmt.Errorf("stream playback payload: %w", err)
	}
	if err := job.Command(bridge.CmdEnd); err != nil {
		return Result{}, err
	}

	p.log.Info("playback job written",
		slog.Int("samples", len(samples)),
		slog.Int("sample_rate", outRate))
	return Result{SampleRate: outRate, Samples: len(samples), Bytes: len(payload)}, nil
}

func (p *Pump) collect(ctx context.Context, stream Stream) ([]byte, error) {
	pcm := append([]byte(nil), stream.First.PCM...)
	chunks, errs := stream.Chunks, stream.Errs
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if c.SampleRate != stream.First.SampleRate || c.Channels != stream.First.Channels {
				return nil, fmt.Errorf("%w: rate=%d channels=%d",
					ErrFormatMismatch, c.SampleRate, c.Channels)
			}
			pcm = append(pcm, c.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrSynthesisInterrupted, err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", ErrBadFormat, len(pcm))
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty stream", ErrBadFormat)
	}
	return pcm, nil
}

func decodeSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func encodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Package capture ingests inbound PCM frames into a bounded rolling
// buffer addressed by absolute sample indices.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrOddPayload reports a binary frame whose byte count is not a whole
// number of 16-bit samples.
var ErrOddPayload = errors.New("audio payload has odd byte count")

// RollingBuffer is a bounded FIFO of mono 16-bit samples. Sample indices
// are monotonic since session start and never wrap. Old samples are
// evicted on append unless pinned by a live segment; if a pin blocks
// eviction the buffer grows transiently and reports pressure.
type RollingBuffer struct {
	mu       sync.Mutex
	data     []int16
	base     int64
	capacity int
	pin      int64
	pressure bool
	log      *slog.Logger
}

func NewRollingBuffer(capacity int, log *slog.Logger) *RollingBuffer {
	return &RollingBuffer{
		capacity: capacity,
		pin:      -1,
		log:      log.With(slog.String("component", "capture")),
	}
}

// Append decodes a little-endian 16-bit payload and advances the high
// index by its sample count. Returns the new high index.
func (b *RollingBuffer) Append(pcm []byte) (int64, error) {
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrOddPayload, len(pcm))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, DecodeSamples(pcm)...)
	b.evictLocked()
	return b.base + int64(len(b.data)), nil
}

// DecodeSamples converts a little-endian 16-bit payload into samples.
// Odd trailing bytes are dropped.
func DecodeSamples(pcm []byte) []int16 {
	out := make([]int16, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	return out
}

func (b *RollingBuffer) evictLocked() {
	excess := len(b.data) - b.capacity
	if excess <= 0 {
		return
	}
	if b.pin >= 0 {
		if limit := int(b.pin - b.base); limit < excess {
			excess = limit
		}
	}
	if excess <= 0 {
		if !b.pressure {
			b.pressure = true
			b.log.Warn("buffer pressure: pinned segment blocks eviction",
				slog.Int("resident", len(b.data)),
				slog.Int("capacity", b.capacity))
		}
		return
	}
	b.data = b.data[excess:]
	b.base += int64(excess)
	b.pressure = false
}

// High returns the absolute index one past the newest sample.
func (b *RollingBuffer) High() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + int64(len(b.data))
}

// Low returns the absolute index of the oldest resident sample.
func (b *RollingBuffer) Low() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}

// Pin marks samples at or above the given index as not evictable.
// Indices already evicted are clamped to the oldest resident sample.
func (b *RollingBuffer) Pin(from int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < b.base {
		from = b.base
	}
	b.pin = from
}

// Unpin releases the eviction hold.
func (b *RollingBuffer) Unpin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pin = -1
	b.pressure = false
}

// Pressure reports whether the buffer is currently above capacity with
// eviction blocked by a pin.
func (b *RollingBuffer) Pressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressure
}

// Slice copies samples in [start, end). Both bounds must be resident.
func (b *RollingBuffer) Slice(start, end int64) ([]int16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start < b.base {
		return nil, fmt.Errorf("slice start %d already evicted (oldest %d)", start, b.base)
	}
	high := b.base + int64(len(b.data))
	if end > high {
		return nil, fmt.Errorf("slice end %d beyond high index %d", end, high)
	}
	if end <= start {
		return nil, fmt.Errorf("empty slice [%d, %d)", start, end)
	}
	out := make([]int16, end-start)
	copy(out, b.data[start-b.base:end-b.base])
	return out, nil
}

// SliceBytes copies samples in [start, end) as little-endian 16-bit PCM.
func (b *RollingBuffer) SliceBytes(start, end int64) ([]byte, error) {
	samples, err := b.Slice(start, end)
	if err != nil {
		return nil, err
	}
	return PCMBytes(samples), nil
}

// PCMBytes encodes samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Outbound command lines understood by the device firmware.
const (
	CmdResume        = "RESUME"
	CmdPause         = "PAUSE"
	CmdStateQuery    = "STATE?"
	CmdPresenceQuery = "PRESENCE?"
	CmdEnd           = "END"
)

// Inbound lines the controller branches on.
const (
	LineReady          = "READY"
	LinePlaybackDone   = "PLAYBACK_DONE"
	LineStateStreaming = "STATE STREAMING"
	LinePresenceOn     = "PRESENCE ON"
	LinePresenceOff    = "PRESENCE OFF"
)

// Writer serializes all outbound traffic to the device. Short commands
// take the lock per call; a playback job acquires it for its whole
// duration so no command can interleave with the payload.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	log *slog.Logger
}

func NewWriter(w io.Writer, log *slog.Logger) *Writer {
	return &Writer{
		w:   w,
		log: log.With(slog.String("component", "bridge.writer")),
	}
}

// Command writes a single newline-terminated line.
func (w *Writer) Command(cmd string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLine(cmd)
}

func (w *Writer) writeLine(cmd string) error {
	w.log.Debug("command", slog.String("line", cmd))
	if _, err := io.WriteString(w.w, cmd+"\n"); err != nil {
		return fmt.Errorf("write command %s: %w", cmd, err)
	}
	return nil
}

// Acquire takes exclusive ownership of the writer for a playback job.
// The caller must invoke Release on every exit path.
func (w *Writer) Acquire() *Job {
	w.mu.Lock()
	return &Job{w: w}
}

// Job is a scoped exclusive hold on the serial writer.
type Job struct {
	w        *Writer
	released bool
}

// Command writes a line while holding the job lock.
func (j *Job) Command(cmd string) error {
	return j.w.writeLine(cmd)
}

// Start writes the playback header line announcing format and length.
func (j *Job) Start(sampleRate, channels, bits, samples int) error {
	line := fmt.Sprintf("START %d %d %d %d", sampleRate, channels, bits, samples)
	return j.w.writeLine(line)
}

// StreamPCM writes the payload in paced chunks. Pacing tracks the
// playback rate so the device's receive path is never starved or
// flooded; a missed deadline resets the schedule rather than bursting.
func (j *Job) StreamPCM(ctx context.Context, pcm []byte, chunkBytes, sampleRate int) error {
	if chunkBytes <= 0 {
		chunkBytes = 1024
	}
	bytesPerSecond := float64(sampleRate * 2)
	nextDeadline := time.Now()
	for start := 0; start < len(pcm); start += chunkBytes {
		end := start + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[start:end]
		n, err := j.w.w.Write(chunk)
		if err != nil {
			return fmt.Errorf("write playback chunk: %w", err)
		}
		if n != len(chunk) {
			return fmt.Errorf("short write while streaming playback (%d/%d bytes)", n, len(chunk))
		}
		nextDeadline = nextDeadline.Add(time.Duration(float64(len(chunk)) / bytesPerSecond * float64(time.Second)))
		wait := time.Until(nextDeadline)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else {
			nextDeadline = time.Now()
		}
	}
	return nil
}

// Release returns the writer to shared use. Safe to call more than once.
func (j *Job) Release() {
	if j.released {
		return
	}
	j.released = true
	j.w.mu.Unlock()
}

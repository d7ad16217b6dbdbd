package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gradilabs/gradi-desk/internal/stt"
)

// Retainer keeps per-cycle artifacts (segment audio, transcript,
// rewrite) under a session-scoped directory for offline validation.
// All writes are best-effort; a retention failure never fails a cycle.
type Retainer struct {
	dir string
	log *slog.Logger
}

// NewRetainer returns a retainer rooted at dir. An empty dir disables
// retention entirely.
func NewRetainer(dir string, log *slog.Logger) *Retainer {
	return &Retainer{dir: dir, log: log.With(slog.String("component", "retain"))}
}

func (r *Retainer) cycleDir(session string, cycle int) (string, error) {
	dir := filepath.Join(r.dir, session, fmt.Sprintf("cycle-%04d", cycle))
	return dir, os.MkdirAll(dir, 0o755)
}

// SaveSegment writes the frozen segment slice as a WAV file.
func (r *Retainer) SaveSegment(session string, cycle int, pcm []byte, sampleRate int) {
	if r.dir == "" {
		return
	}
	dir, err := r.cycleDir(session, cycle)
	if err != nil {
		r.log.Warn("retention directory unavailable", slog.String("error", err.Error()))
		return
	}
	path := filepath.Join(dir, "segment.wav")
	file, err := os.Create(path)
	if err != nil {
		r.log.Warn("failed to create segment artifact", slog.String("error", err.Error()))
		return
	}
	defer file.Close()
	if err := stt.WriteWAV(file, pcm, sampleRate, 1); err != nil {
		r.log.Warn("failed to write segment artifact", slog.String("error", err.Error()))
	}
}

// SaveText writes one text artifact, e.g. transcript.txt.
func (r *Retainer) SaveText(session string, cycle int, name, text string) {
	if r.dir == "" {
		return
	}
	dir, err := r.cycleDir(session, cycle)
	if err != nil {
		r.log.Warn("retention directory unavailable", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
		r.log.Warn("failed to write text artifact",
			slog.String("artifact", name),
			slog.String("error", err.Error()))
	}
}

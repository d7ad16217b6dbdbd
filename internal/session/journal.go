package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ResourceSnapshot is the ledger state embedded in every transition
// record.
type ResourceSnapshot struct {
	Mic string `json:"mic"`
	Spk string `json:"spk"`
}

// TransitionRecord is one line of the per-session transition log. The
// state field is the state after the transition.
type TransitionRecord struct {
	TS        string           `json:"ts"`
	Session   string           `json:"session"`
	Cycle     string           `json:"cycle,omitempty"`
	State     string           `json:"state"`
	Event     string           `json:"event"`
	Resources ResourceSnapshot `json:"resources"`
	LatencyMS int64            `json:"latency_ms,omitempty"`
	Size      int              `json:"size,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Sink mirrors transition records into another store. Implementations
// must not block the controller loop for long.
type Sink interface {
	RecordTransition(rec TransitionRecord)
}

// Journal appends one JSON line per transition to the session log and
// fans each record out to attached sinks.
type Journal struct {
	mu    sync.Mutex
	w     io.Writer
	file  *os.File
	sinks []Sink
	log   *slog.Logger
}

// NewJournal opens (or creates) the append-only session log at path.
// An empty path disables the file and keeps only the sinks.
func NewJournal(path string, log *slog.Logger) (*Journal, error) {
	j := &Journal{w: io.Discard, log: log.With(slog.String("component", "journal"))}
	if path == "" {
		return j, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	j.file = file
	j.w = file
	return j, nil
}

// NewJournalWriter wires the journal to an arbitrary writer.
func NewJournalWriter(w io.Writer, log *slog.Logger) *Journal {
	return &Journal{w: w, log: log.With(slog.String("component", "journal"))}
}

// Attach registers a mirror sink. Not safe to call once records flow.
func (j *Journal) Attach(s Sink) {
	j.sinks = append(j.sinks, s)
}

// Record appends one transition line and forwards it to every sink.
// Logging failures are reported but never surfaced to the caller; the
// session must not die because its log did.
func (j *Journal) Record(rec TransitionRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		j.log.Warn("failed to encode transition record", slog.String("error", err.Error()))
		return
	}
	j.mu.Lock()
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		j.log.Warn("failed to append transition record", slog.String("error", err.Error()))
	}
	j.mu.Unlock()
	for _, s := range j.sinks {
		s.RecordTransition(rec)
	}
}

// Close flushes and closes the underlying log file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

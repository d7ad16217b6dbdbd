package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	// Must be a silent no-op without a database.
	es.RecordTransition(session.TransitionRecord{Session: "s", Event: "segment_start"})
}

func TestAppendAndQuery(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es := openStore(t, cfg)

	tr := Transition{
		SessionID: "session-123",
		CycleID:   "cycle-1",
		State:     "recognizing",
		Event:     "segment_end",
		Mic:       "owned_by_controller",
		Spk:       "available",
		Size:      70400,
	}
	if err := es.AppendTransition(context.Background(), tr); err != nil {
		t.Fatalf("append transition: %v", err)
	}

	got, err := es.ListSessionTransitions(context.Background(), "session-123", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(got))
	}
	if got[0].Event != "segment_end" || got[0].Size != 70400 || got[0].Mic != "owned_by_controller" {
		t.Fatalf("unexpected transition: %+v", got[0])
	}
}

func TestRecordTransitionSink(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es := openStore(t, cfg)

	es.RecordTransition(session.TransitionRecord{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Session: "session-async",
		Cycle:   "cycle-9",
		State:   "playing_back",
		Event:   "playback_ack",
		Resources: session.ResourceSnapshot{
			Mic: "paused", Spk: "available",
		},
		LatencyMS: 1200,
		Size:      66150,
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := es.ListSessionTransitions(context.Background(), "session-async", 10)
		if err != nil {
			t.Fatalf("list transitions: %v", err)
		}
		if len(got) == 1 {
			if got[0].LatencyMS != 1200 || got[0].Spk != "available" {
				t.Fatalf("unexpected transition: %+v", got[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queued transition never persisted")
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	es := openStore(t, cfg)

	es.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendTransition(context.Background(), Transition{SessionID: "old-session", State: "idle", Event: "session_started"}); err != nil {
		t.Fatalf("append transition: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendTransition(context.Background(), Transition{SessionID: "new-session", State: "idle", Event: "session_started"}); err != nil {
		t.Fatalf("append transition: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionTransitions(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(old) != 0 {
		t.Fatal("expected old session pruned")
	}
	kept, err := es.ListSessionTransitions(context.Background(), "new-session", 10)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected surviving session, got %d transitions", len(kept))
	}
}

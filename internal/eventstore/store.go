// Package eventstore persists the session transition timeline in
// SQLite so operators can inspect past cycles after the process ends.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/session"
	_ "modernc.org/sqlite"
)

// Transition is one recorded state transition.
type Transition struct {
	ID        int64
	SessionID string
	CycleID   string
	State     string
	Event     string
	Mic       string
	Spk       string
	LatencyMS int64
	Size      int
	Error     string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed transition timeline. It implements
// session.Sink: records arrive on the controller loop, are queued, and
// a background writer performs the inserts so the loop never waits on
// the database.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	queue chan session.TransitionRecord
	done  chan struct{}
	once  sync.Once
}

// Open initializes the store according to config. Ephemeral retention
// keeps no database at all.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	logger := log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: logger, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		log:   logger,
		clock: time.Now,
		queue: make(chan session.TransitionRecord, 1024),
		done:  make(chan struct{}),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			logger.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		logger.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	go s.writeLoop()
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    cycle_id TEXT,
    state TEXT NOT NULL,
    event TEXT NOT NULL,
    mic TEXT,
    spk TEXT,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_session_created ON transitions(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close drains the write queue and releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
	return s.db.Close()
}

// RecordTransition implements session.Sink. Records are dropped with a
// warning when the writer falls behind; the JSONL journal remains the
// authoritative log.
func (s *Store) RecordTransition(rec session.TransitionRecord) {
	if s.db == nil {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.log.Warn("transition queue saturated, dropping record",
			slog.String("event", rec.Event))
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.appendRecord(ctx, rec); err != nil {
			s.log.Warn("failed to persist transition", slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (s *Store) appendRecord(ctx context.Context, rec session.TransitionRecord) error {
	created, err := time.Parse(time.RFC3339Nano, rec.TS)
	if err != nil {
		created = s.clock().UTC()
	}
	return s.AppendTransition(ctx, Transition{
		SessionID: rec.Session,
		CycleID:   rec.Cycle,
		State:     rec.State,
		Event:     rec.Event,
		Mic:       rec.Resources.Mic,
		Spk:       rec.Resources.Spk,
		LatencyMS: rec.LatencyMS,
		Size:      rec.Size,
		Error:     rec.Error,
		CreatedAt: created,
	})
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// AppendTransition writes one transition, creating the session row on
// first sight.
func (s *Store) AppendTransition(ctx context.Context, tr Transition) error {
	if s.db == nil {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock().UTC()
	}
	if err := s.AppendSession(ctx, tr.SessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, cycle_id, state, event, mic, spk, latency_ms, size, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.SessionID, tr.CycleID, tr.State, tr.Event, tr.Mic, tr.Spk, tr.LatencyMS, tr.Size, tr.Error, tr.CreatedAt)
	return err
}

// ListSessionTransitions retrieves up to limit transitions for a
// session ordered ascending by time.
func (s *Store) ListSessionTransitions(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, cycle_id, state, event, mic, spk, latency_ms, size, error, created_at
		 FROM transitions WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var created string
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.CycleID, &tr.State, &tr.Event,
			&tr.Mic, &tr.Spk, &tr.LatencyMS, &tr.Size, &tr.Error, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			tr.CreatedAt = ts
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transitions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure verifies the ephemeral invariant.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// Package runtime hosts the observability surface of the desktop
// agent: telemetry wiring and the local HTTP endpoints operators use
// to inspect the session loop.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/eventstore"
	"github.com/gradilabs/gradi-desk/internal/session"
)

// StatusFunc reports the controller's current state and resource
// ownership for /statusz.
type StatusFunc func() (session.State, session.ResourceSnapshot)

// HistoryFunc retrieves a session's persisted transitions for
// /sessions/{id}/transitions.
type HistoryFunc func(ctx context.Context, sessionID string, limit int) ([]eventstore.Transition, error)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	recent        *Recent
	status        StatusFunc
	history       HistoryFunc
	httpServer    *http.Server
	metricHandler http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, recent *Recent, status StatusFunc, history HistoryFunc, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		recent:  recent,
		status:  status,
		history: history,
		logger:  logger,
	}
}

// Init installs the global telemetry providers. It must run before any
// instruments are created.
func (r *Runtime) Init() error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler
	return nil
}

// Start serves until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(r.metricHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Handler builds the HTTP mux. Exposed for tests.
func (r *Runtime) Handler(metricHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/statusz", r.handleStatus)
	mux.HandleFunc("/sessions/recent", r.handleRecent)
	mux.HandleFunc("/sessions/", r.handleSessionHistory)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.status == nil {
		http.Error(w, "no session controller attached", http.StatusServiceUnavailable)
		return
	}
	state, resources := r.status()
	writeJSON(w, r.logger, map[string]any{
		"state": string(state),
		"resources": map[string]string{
			"mic": resources.Mic,
			"spk": resources.Spk,
		},
	})
}

func (r *Runtime) handleSessionHistory(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		http.Error(w, "no event store attached", http.StatusNotFound)
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/sessions/")
	sessionID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "transitions" || sessionID == "" {
		http.NotFound(w, req)
		return
	}
	limit := 100
	if q := req.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	transitions, err := r.history(req.Context(), sessionID, limit)
	if err != nil {
		r.logger.Error("session history query failed", slog.String("error", err.Error()))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if transitions == nil {
		transitions = []eventstore.Transition{}
	}
	writeJSON(w, r.logger, transitions)
}

func (r *Runtime) handleRecent(w http.ResponseWriter, _ *http.Request) {
	if r.recent == nil {
		writeJSON(w, r.logger, []CycleSummary{})
		return
	}
	writeJSON(w, r.logger, r.recent.Summaries())
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

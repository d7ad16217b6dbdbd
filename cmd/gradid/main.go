// Command gradid runs the desktop session agent: it owns the serial
// link to the audio bridge, drives the capture/recognize/rewrite/
// synthesize/playback loop, and serves the local observability
// endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gradilabs/gradi-desk/internal/bridge"
	"github.com/gradilabs/gradi-desk/internal/bus"
	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/eventstore"
	"github.com/gradilabs/gradi-desk/internal/llm"
	"github.com/gradilabs/gradi-desk/internal/natsserver"
	"github.com/gradilabs/gradi-desk/internal/runtime"
	"github.com/gradilabs/gradi-desk/internal/session"
	"github.com/gradilabs/gradi-desk/internal/stt"
	"github.com/gradilabs/gradi-desk/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "gradi.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Telemetry.LogLevel),
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := session.NewJournal(cfg.Session.LogPath, logger)
	if err != nil {
		return fmt.Errorf("open session journal: %w", err)
	}
	defer journal.Close()

	es, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer es.Close()
	journal.Attach(es)

	recent, err := runtime.NewRecent(cfg.Session.RecentCycles)
	if err != nil {
		return fmt.Errorf("create recent cycle cache: %w", err)
	}
	journal.Attach(recent)

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		defer srv.Shutdown()

		busCfg := cfg.Bus
		if url := srv.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(busCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		defer client.Close()
		journal.Attach(bus.NewMirror(client, logger))
	}

	rec, err := stt.New(cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	rew, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create rewriter: %w", err)
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return fmt.Errorf("create synthesizer: %w", err)
	}

	port, err := bridge.Open(cfg.Serial)
	if err != nil {
		return fmt.Errorf("open serial link: %w", err)
	}

	writer := bridge.NewWriter(port, logger)
	dmx := bridge.NewDemux(port, cfg.Serial.MaxPayloadBytes, logger)
	ctrl := session.NewController(cfg, writer, rec, rew, synth, journal, logger)

	rt := runtime.New(cfg, recent, ctrl.Snapshot, es.ListSessionTransitions, logger)
	if err := rt.Init(); err != nil {
		port.Close()
		return err
	}
	journal.Attach(runtime.NewMetrics(logger))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Start(ctx); err != nil {
			logger.Error("runtime failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		readLoop(ctx, dmx, ctrl, logger, stop)
	}()

	err = ctrl.Run(ctx)
	stop()
	port.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session loop: %w", err)
	}
	return nil
}

// readLoop pumps demultiplexed serial traffic into the controller until
// the context ends or the transport fails.
func readLoop(ctx context.Context, dmx *bridge.Demux, ctrl *session.Controller, logger *slog.Logger, stop func()) {
	for {
		msg, err := dmx.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.ErrNoProgress) {
				continue
			}
			logger.Error("serial link lost", slog.String("error", err.Error()))
			stop()
			return
		}
		switch msg.Kind {
		case bridge.KindFrame:
			ctrl.PostFrame(msg.PCM)
		case bridge.KindLine:
			ctrl.PostLine(msg.Line)
		}
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

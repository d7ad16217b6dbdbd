// Command gradictl is the operator companion to gradid: it validates
// configuration files and tails the live transition stream off the bus.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/gradilabs/gradi-desk/internal/bus"
	"github.com/gradilabs/gradi-desk/internal/config"
	"github.com/gradilabs/gradi-desk/internal/protocol"
	"github.com/gradilabs/gradi-desk/internal/session"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'tail' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		validateCmd.StringVar(&configPath, "file", "gradi.yaml", "Path to configuration file")
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("configuration valid")
	case "tail":
		var (
			server    string
			sessionID string
		)
		tailCmd := flag.NewFlagSet("tail", flag.ExitOnError)
		tailCmd.StringVar(&server, "server", "nats://localhost:4222", "NATS server URL")
		tailCmd.StringVar(&sessionID, "session", "", "Only show one session (default: all)")
		tailCmd.Parse(os.Args[2:])
		if err := runTail(server, sessionID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTail(server, sessionID string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{server},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.SubjectAnyTransition
	if sessionID != "" {
		subject = protocol.SubjectSessionTransition(sessionID)
	}

	sub, err := client.Conn().Subscribe(subject, printTransition)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Drain()

	fmt.Fprintf(os.Stderr, "tailing %s (ctrl-c to stop)\n", subject)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func printTransition(msg *nats.Msg) {
	var rec session.TransitionRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		fmt.Printf("%s <undecodable: %v>\n", msg.Subject, err)
		return
	}
	id, _ := protocol.SessionFromSubject(msg.Subject)
	line := fmt.Sprintf("%s %s state=%s event=%s mic=%s spk=%s",
		rec.TS, shortID(id), rec.State, rec.Event, rec.Resources.Mic, rec.Resources.Spk)
	if rec.LatencyMS > 0 {
		line += fmt.Sprintf(" latency_ms=%d", rec.LatencyMS)
	}
	if rec.Size > 0 {
		line += fmt.Sprintf(" size=%d", rec.Size)
	}
	if rec.Error != "" {
		line += fmt.Sprintf(" error=%s", rec.Error)
	}
	fmt.Println(line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package cmd

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solatis/hitkeeper/internal/coordinator"
	"github.com/solatis/hitkeeper/internal/core/config"
	"github.com/solatis/hitkeeper/internal/core/db"
	"github.com/solatis/hitkeeper/internal/core/hitstore"
	"github.com/solatis/hitkeeper/internal/core/uplink"
	"github.com/solatis/hitkeeper/internal/sharedstate"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordinator daemon",
	Long: `Starts the hit coordinator, reading newline-delimited JSON events
from stdin and queueing finalized hits in the hit store. With a collector
URL configured, the uplink drains the store in the background.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("collector-url", "", "collector endpoint receiving hit bodies")
}

// wireEvent is one stdin line of the instrumentation bridge.
type wireEvent struct {
	Kind                 string            `json:"kind"`
	Timestamp            time.Time         `json:"timestamp"`
	Action               string            `json:"action"`
	PreviousSessionPause time.Time         `json:"previous_session_pause"`
	ContextData          map[string]string `json:"context_data"`
	Owner                string            `json:"owner"`
	Data                 map[string]any    `json:"data"`
	Timeout              string            `json:"timeout"`
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log := slog.Default()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("collector-url") {
		collectorURL, _ := cmd.Flags().GetString("collector-url")
		cfg.CollectorURL = collectorURL
	}

	if dbURL == "" {
		return fmt.Errorf("--db-url required")
	}
	database, err := db.Open(dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	var migrationID string
	checkQuery := `SELECT migration_id FROM migrations WHERE migration_id = '001_hit_queue.sql'`
	err = database.Get(&migrationID, database.Rebind(checkQuery))
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("migration 001_hit_queue not applied - run 'hitkeeper migrate' first")
		}
		return fmt.Errorf("failed to check migrations: %w", err)
	}

	store, err := hitstore.New(database)
	if err != nil {
		return fmt.Errorf("failed to create hit store: %w", err)
	}

	states := sharedstate.NewMemoryStates()

	coord, err := coordinator.New(states, store, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	coord.Start(ctx)
	defer coord.Close()

	if cfg.CollectorURL != "" {
		forwarder, err := uplink.New(store, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to create uplink: %w", err)
		}
		go func() {
			if err := forwarder.Start(ctx); err != nil && err != context.Canceled {
				log.Warn("uplink stopped", "err", err)
			}
		}()
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := forwarder.Shutdown(c); err != nil {
				log.Warn("uplink shutdown failed", "err", err)
			}
		}()
	}

	log.Info("HitKeeper coordinator started", "version", Version, "collectorURL", cfg.CollectorURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string, 64)
	go readLines(os.Stdin, lines, log)

	for {
		select {
		case <-sigChan:
			log.Info("shutting down gracefully")
			return nil
		case line, ok := <-lines:
			if !ok {
				log.Info("event stream closed, shutting down")
				return nil
			}
			dispatchLine(coord, states, line, log)
		}
	}
}

// readLines feeds stdin lines into the channel, closing it on EOF.
func readLines(f *os.File, lines chan<- string, log *slog.Logger) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Warn("event stream read failed", "err", err)
	}
	close(lines)
}

// dispatchLine decodes one bridge event and routes it to the coordinator.
// Malformed lines are logged and skipped, never fatal.
func dispatchLine(coord *coordinator.Coordinator, states *sharedstate.MemoryStates, line string, log *slog.Logger) {
	if line == "" {
		return
	}

	var we wireEvent
	if err := json.Unmarshal([]byte(line), &we); err != nil {
		log.Debug("dropping malformed event line", "err", err)
		return
	}

	ev := coordinator.Event{
		Timestamp:            we.Timestamp,
		Action:               we.Action,
		PreviousSessionPause: we.PreviousSessionPause,
		ContextData:          we.ContextData,
		StateOwner:           we.Owner,
	}
	if we.Timeout != "" {
		if d, err := time.ParseDuration(we.Timeout); err == nil {
			ev.Timeout = d
		}
	}

	switch we.Kind {
	case "lifecycle-request":
		ev.Kind = coordinator.KindLifecycleRequest
	case "lifecycle-response":
		ev.Kind = coordinator.KindLifecycleResponse
	case "acquisition-response":
		ev.Kind = coordinator.KindAcquisitionResponse
	case "acquisition-wait":
		ev.Kind = coordinator.KindAcquisitionWait
	case "shared-state":
		// State becomes visible to events dispatched after the
		// notification, never to events already in flight.
		ev.Kind = coordinator.KindSharedState
		states.Set(we.Owner, coord.Seq()+1, we.Data)
	default:
		log.Debug("dropping event with unknown kind", "kind", we.Kind)
		return
	}

	if err := coord.Dispatch(ev); err != nil {
		log.Debug("dispatch failed", "kind", we.Kind, "err", err)
	}
}

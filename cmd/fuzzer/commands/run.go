/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Run command implementation for the Akaylee HTTP Fuzzer. Loads session files,
creates and starts the sessions through the session manager, streams results and statistics,
and stops and deletes every session on completion or interruption.
*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/core"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/kleascm/akaylee-httpfuzz/pkg/selection"
	"github.com/kleascm/akaylee-httpfuzz/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunSessions executes the run command
func RunSessions(cmd *cobra.Command, args []string) error {
	fmt.Println("🚀 Akaylee HTTP Fuzzer - Starting Sessions")
	fmt.Println("==========================================")
	fmt.Println()

	// Load configuration first
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := SetupLogging()
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.GetLogger()

	base := EngineOptions()
	entries, err := loadSessions(args, base)
	if err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	if viper.GetBool("dry_run") {
		return performDryRun(entries)
	}

	prom, err := core.NewPrometheusReporter()
	if err != nil {
		return fmt.Errorf("failed to create metrics reporter: %w", err)
	}
	manager := core.NewSessionManager(log, core.NewLoggerReporter(logger), prom)

	if addr := viper.GetString("metrics_addr"); addr != "" {
		srv := serveMetrics(addr, prom.Handler(), log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	dispatcher := selection.NewDispatcher(log)
	defer dispatcher.Close()
	sel := selection.NewState(dispatcher, log)
	manager.AddListener(newConsoleListener(os.Stdout, dispatcher, sel))
	collector := utils.NewResultCollector(viper.GetInt("report_limit"))
	manager.AddListener(collector)

	// Set up signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		o, err := manager.CreateSession(ctx, entry.spec, entry.autoStart)
		if o != nil {
			ids = append(ids, o.ID())
			fmt.Printf("✅ Session %s (%s) from %s\n", o.Name(), shortID(o.ID()), entry.path)
		}
		if err != nil {
			log.WithError(err).WithField("file", entry.path).Error("Session failed to start")
		}
	}

	token := selection.NewToken()
	defer token.Revoke()
	sel.AddListener(token, func(snap selection.Snapshot) {
		log.WithFields(logrus.Fields{
			"sessions": len(snap.Sessions),
			"primary":  snap.Primary,
			"version":  snap.Version,
		}).Debug("Selection changed")
	})
	if _, err := sel.Set(ids, ""); err != nil {
		return fmt.Errorf("failed to select sessions: %w", err)
	}

	cancelled := interfaces.CancelFunc(func() bool { return ctx.Err() != nil })
	summary := manager.StartAll(ctx, ids, progressPrinter(), cancelled)
	fmt.Printf("\n▶️  %s\n\n", summary.Message())

	waitForSessions(ctx, newStatsReporter(logger, manager), logger, sel)
	if ctx.Err() != nil {
		fmt.Println("\n🛑 Received shutdown signal, stopping sessions...")
	}

	// Stop and delete on a fresh context so an interrupt still tears down cleanly
	stopCtx, stopCancel := context.WithTimeout(context.Background(), base.StopTimeout+5*time.Second)
	defer stopCancel()

	printFinalStats(manager, ids)

	stopped := manager.StopAll(stopCtx, ids, nil, nil)
	logger.LogBulk(string(stopped.Action), stopped.Succeeded, stopped.Failed, stopped.Skipped, stopped.Cancelled)
	if dir := viper.GetString("report_dir"); dir != "" {
		writeReports(dir, manager, collector, ids, log)
	}
	deleted := manager.DeleteAll(stopCtx, ids, nil, nil)
	logger.LogBulk(string(deleted.Action), deleted.Succeeded, deleted.Failed, deleted.Skipped, deleted.Cancelled)

	if _, err := sel.Set(nil, ""); err != nil {
		log.WithError(err).Warn("Failed to clear selection")
	}
	dispatcher.Flush(stopCtx)

	var errs []error
	if err := manager.Shutdown(stopCtx); err != nil {
		errs = append(errs, err)
	}
	for id, err := range deleted.Errors {
		errs = append(errs, fmt.Errorf("session %s: %w", shortID(id), err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	fmt.Println("\n✨ Fuzzing sessions completed!")
	return nil
}

// waitForSessions blocks until every selected session completes or ctx ends
func waitForSessions(ctx context.Context, stats *statsReporter, logger *logging.Logger, sel *selection.State) {
	interval := viper.GetDuration("stats_interval")
	if interval <= 0 {
		interval = 5 * time.Second
	}
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	statsTicker := time.NewTicker(interval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			stats.report(sel.Get().Sessions)
			if err := logger.Rotate(); err != nil {
				logger.GetLogger().WithError(err).Warn("Failed to rotate log file")
			}
		case <-poll.C:
			if allFinished(stats.manager, sel.Get().Sessions) {
				stats.report(sel.Get().Sessions)
				return
			}
		}
	}
}

func allFinished(manager *core.SessionManager, ids []string) bool {
	for _, id := range ids {
		snap, err := manager.Snapshot(id)
		if err != nil {
			continue
		}
		if !snap.Counters.Completed && snap.State != interfaces.StateStopped {
			return false
		}
	}
	return true
}

// progressPrinter reports bulk progress on one console line
func progressPrinter() interfaces.ProgressSink {
	return interfaces.ProgressFunc(func(done, total int, label string) {
		fmt.Printf("\r🔄 [%d/%d] %s", done, total, label)
		if done == total {
			fmt.Println()
		}
	})
}

// serveMetrics serves the Prometheus handler in the background
func serveMetrics(addr string, handler http.Handler, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("addr", addr).Error("Metrics server failed")
		}
	}()
	log.WithField("addr", addr).Info("Serving metrics at /metrics")
	return srv
}

// writeReports writes one results report per session
func writeReports(dir string, manager *core.SessionManager, collector *utils.ResultCollector, ids []string, log *logrus.Logger) {
	for _, id := range ids {
		snap, err := manager.Snapshot(id)
		if err != nil {
			continue
		}
		rows, dropped := collector.Results(id)
		path, err := utils.WriteSessionReport(dir, &utils.SessionReport{
			Version:     Version,
			SessionID:   snap.ID,
			Name:        snap.Name,
			State:       snap.State.String(),
			Counters:    snap.Counters,
			ScriptError: snap.ScriptError,
			Results:     rows,
			Dropped:     dropped,
		})
		if err != nil {
			log.WithError(err).WithField("session_id", id).Error("Failed to write session report")
			continue
		}
		fmt.Printf("📝 Report for %s written to %s\n", snap.Name, path)
	}
}

// printFinalStats prints per-session counters
func printFinalStats(manager *core.SessionManager, ids []string) {
	fmt.Println("\n📊 Final Statistics")
	fmt.Println("==================")
	for _, id := range ids {
		snap, err := manager.Snapshot(id)
		if err != nil {
			continue
		}
		runtime := time.Since(snap.CreatedAt).Round(time.Millisecond)
		fmt.Printf("%s (%s) %s\n", snap.Name, shortID(snap.ID), snap.State)
		fmt.Printf("   Requests: %d/%d | Errors: %d | Runtime: %v", snap.Counters.Progress, snap.Counters.Total, snap.Counters.Errors, runtime)
		if secs := runtime.Seconds(); secs > 0 {
			fmt.Printf(" | Rate: %.1f/sec", float64(snap.Counters.Progress)/secs)
		}
		fmt.Println()
		if snap.Counters.Quarantined {
			fmt.Println("   ⚠️  Quarantined after repeated failed or blocked responses")
		}
		if snap.ScriptError != "" {
			fmt.Printf("   ❌ Script error: %s\n", snap.ScriptError)
		}
	}
}

// performDryRun reports the loaded sessions without starting them
func performDryRun(entries []sessionEntry) error {
	fmt.Println("🔍 Performing dry run validation...")
	fmt.Println()
	for _, entry := range entries {
		mode := "template"
		requests := 0
		if entry.spec.Template == nil {
			mode = "raw_list"
			requests = len(entry.spec.RawList)
		}
		words := 0
		for _, list := range entry.spec.Wordlists {
			words += len(list)
		}
		fmt.Printf("✅ %s: %s mode, %d raw requests, %d words, %d threads\n",
			entry.path, mode, requests, words, entry.spec.Options.Threads)
	}
	fmt.Println("\n✨ Dry run validation completed successfully!")
	return nil
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kairos/am"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/sym"
)

// PulseCmd represents the pulse command - the dispatcher daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse dispatcher",
	Long: sym.Pulse + ` Pulse - the dispatcher and worker pool.

Pulse claims due jobs from the database and runs them on a bounded worker
pool:
- One-shot, delayed and recurring jobs
- Retries with backoff up to each job's attempt ceiling
- Continuations released when their parent succeeds
- GRACE shutdown (waits for running jobs before exit)

Jobs left processing by a crashed daemon are re-queued on start.

Example:
  kairos pulse start              # Start dispatcher in foreground
  kairos pulse start --workers 3  # Start with 3 concurrent workers
  kairos pulse status             # Show queue and worker metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the dispatcher in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse dispatcher",
	Long: `Start the Pulse dispatcher in foreground mode.

The dispatcher will:
- Re-queue jobs orphaned by a previous crash
- Poll for due jobs and run them on the worker pool
- Reload poll interval and dispatch rate when the config file changes
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: runPulseStart,
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and worker metrics",
	RunE:  runPulseStatus,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = pulse.workers or CPU count)")
	pulseStatusCmd.Flags().Bool("json", false, "Print metrics as JSON")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	if workers > 0 {
		am.GetViper().Set("pulse.workers", workers)
	}

	s, database, cfg, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return err
	}

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			logger.PulseWarnw("Config reload disabled", logger.FieldPath, path, logger.FieldError, err)
		} else {
			watcher.OnReload(s.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	metrics := s.Metrics(ctx)
	logger.PulseInfow("Pulse dispatcher started",
		"workers", metrics.WorkersTotal,
		"instance", s.Dispatcher().InstanceID(),
		logger.FieldPath, cfg.GetDatabasePath())

	fmt.Printf("%s Pulse dispatcher started\n", sym.Pulse)
	fmt.Printf("  Database:      %s\n", cfg.GetDatabasePath())
	fmt.Printf("  Workers:       %d\n", metrics.WorkersTotal)
	fmt.Printf("  Poll interval: %v\n", s.Dispatcher().PollInterval())
	fmt.Printf("  Instance:      %s\n", s.Dispatcher().InstanceID())
	fmt.Printf("  Handlers:      %v\n", s.Handlers())
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.PulseClose)
	if err := s.Stop(); err != nil {
		pterm.Warning.Printf("Shutdown incomplete: %v\n", err)
	}
	fmt.Printf("%s Pulse dispatcher stopped\n", sym.PulseClose)
	return nil
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	s, database, _, err := openScheduler()
	if err != nil {
		return err
	}
	defer database.Close()

	m := s.Metrics(cmd.Context())
	if asJSON(cmd) {
		return printJSON(m)
	}

	fmt.Printf("%s Pulse status\n", sym.Pulse)
	fmt.Printf("  Jobs queued:   %d\n", m.JobsQueued)
	fmt.Printf("  Jobs running:  %d\n", m.JobsRunning)
	fmt.Printf("  Worker slots:  %d\n", m.WorkersTotal)
	fmt.Printf("  Memory:        %.1f/%.1f GB (%.0f%%)\n", m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	return nil
}

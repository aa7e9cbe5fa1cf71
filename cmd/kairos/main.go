package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/kairos/cmd/kairos/commands"
	"github.com/teranos/kairos/logger"
)

var rootCmd = &cobra.Command{
	Use:   "kairos",
	Short: "kairos - durable background job scheduler",
	Long: `kairos - durable background job scheduler.

Jobs are persisted in SQLite, claimed when due, executed on a bounded worker
pool and retried with backoff. Jobs can recur on a rule or continue after
another job succeeds.

Available commands:
  am     - Show kairos configuration ("I am")
  db     - Manage the job database
  job    - Submit, inspect and cancel jobs
  pulse  - Run the Pulse dispatcher
  version - Show build information

Examples:
  kairos pulse start                                   # Run jobs in the foreground
  kairos job enqueue shell.exec --args '{"command":"make backup"}'
  kairos job recur shell.exec "every 5 minutes" --id heartbeat --args '{"command":"date"}'
  kairos job ls --state failed                         # Inspect failures`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints configuration only; keep its output clean
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kairos/am"
	"github.com/teranos/kairos/db"
	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job database",
	Long: sym.DB + ` db - Manage the kairos job database

Examples:
  kairos db migrate               # Apply pending schema migrations
  kairos db migrate --dry-run     # List pending migrations only
  kairos db stats                 # Show job counts per state`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runJobStats,
}

func init() {
	dbMigrateCmd.Flags().Bool("dry-run", false, "List pending migrations without applying them")
	dbStatsCmd.Flags().Bool("json", false, "Print results as JSON")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	dbPath := cfg.GetDatabasePath()

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}

	fmt.Printf("%s Database: %s\n", sym.DB, dbPath)
	if len(pending) == 0 {
		pterm.Info.Println("Schema is up to date")
		return nil
	}
	for _, m := range pending {
		fmt.Printf("  pending: %s\n", m)
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return nil
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}
	logger.DBInfow("Migrations applied", logger.FieldPath, dbPath, logger.FieldCount, len(pending))
	pterm.Success.Printf("Applied %d migration(s)\n", len(pending))
	return nil
}

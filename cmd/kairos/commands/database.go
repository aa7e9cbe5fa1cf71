package commands

import (
	"database/sql"

	"github.com/teranos/kairos/am"
	"github.com/teranos/kairos/db"
	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/logger"
	"github.com/teranos/kairos/pulse"
)

// openDatabase opens and migrates the job database named by the am config
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	dbPath := cfg.GetDatabasePath()

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

// openScheduler loads configuration, opens the database and builds a
// scheduler with the built-in handlers registered. The caller closes the
// returned database.
func openScheduler() (*pulse.Scheduler, *sql.DB, *am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to load config")
	}

	opts, err := pulse.OptionsFromConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	opts.Logger = logger.Logger
	opts.Source = "cli"

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	s, err := pulse.New(database, opts)
	if err != nil {
		database.Close()
		return nil, nil, nil, err
	}
	s.Register(NewShellHandler(opts.TimeoutGrace))
	return s, database, cfg, nil
}

package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/config"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
)

// app carries the state shared by subcommands once flags are parsed.
type app struct {
	envFile    string
	configFile string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "gatesync",
		Short:        "Offline-first sync engine for door access and chat",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "TOML file overlaying the environment")

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newPendingCmd(a),
		newDeadLettersCmd(a),
	)
	return root
}

// load reads .env, the environment and the optional TOML file, then sets up
// logging.
func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.configFile != "" {
		if cfg, err = config.LoadFile(a.configFile, cfg); err != nil {
			return err
		}
	}
	a.cfg = cfg
	logging.Setup(cfg.LogLevel, cfg.LogPretty, nil)
	return nil
}

// openDB opens and migrates the local database. The returned func closes it.
func (a *app) openDB() (*gorm.DB, func(), error) {
	db, err := repo.OpenSQLite(a.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", a.cfg.DBPath, err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, closeDB, nil
}

// openQueue is used by the inspection commands, which work on the database
// without starting the engine.
func (a *app) openQueue() (*queue.Queue, func(), error) {
	db, closeDB, err := a.openDB()
	if err != nil {
		return nil, nil, err
	}
	return queue.New(store.New(db), a.policy(), a.cfg.Retry.MaxAttempts), closeDB, nil
}

func (a *app) policy() backoff.Policy {
	r := a.cfg.Retry
	return backoff.Policy{Base: r.Base, Factor: r.Factor, Max: r.Max, Jitter: r.Jitter}
}

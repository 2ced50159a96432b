package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/infra/db"
	"github.com/acme/lead-call-orchestrator/internal/schema"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

const (
	exitOK           = 0
	exitMigration    = 1
	exitConnectivity = 2
)

func main() {
	var (
		configPath string
		withScylla bool
		timeout    time.Duration
	)

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the orchestrator database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, withScylla, timeout, false)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to configuration file")
	root.PersistentFlags().BoolVar(&withScylla, "scylla", true, "also provision the call history keyspace")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall migration timeout")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that the schema is present without mutating it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, withScylla, timeout, true)
		},
	}
	root.AddCommand(verify)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ce connectError
		if errors.As(err, &ce) {
			os.Exit(exitConnectivity)
		}
		os.Exit(exitMigration)
	}
	os.Exit(exitOK)
}

// connectError marks failures reaching the database, as opposed to
// failures applying DDL.
type connectError struct{ err error }

func (e connectError) Error() string { return e.err.Error() }

func (e connectError) Unwrap() error { return e.err }

func run(ctx context.Context, configPath string, withScylla bool, timeout time.Duration, verifyOnly bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return err
	}
	defer log.Sync()

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return connectError{fmt.Errorf("connect postgres: %w", err)}
	}
	defer pg.Close(context.Background())

	if verifyOnly {
		if err := schema.Verify(ctx, pg.DB(), log); err != nil {
			return err
		}
	} else if err := schema.MigratePostgres(ctx, pg.DB(), log); err != nil {
		return err
	}

	if withScylla && !verifyOnly {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return connectError{fmt.Errorf("connect scylla: %w", err)}
		}
		defer scylla.Close()
		if err := schema.MigrateScylla(scylla.Session(), log); err != nil {
			return err
		}
	}
	return nil
}

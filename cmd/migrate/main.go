package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mossida/midday/internal/config"
	infraBQ "github.com/mossida/midday/internal/infra/bigquery"
	"github.com/mossida/midday/internal/infra/postgres"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/migrate"
)

type options struct {
	configPath string
	backend    string
	appliedBy  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured store",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "postgres or bigquery (default: store.backend from config)")
	rootCmd.PersistentFlags().StringVar(&opts.appliedBy, "applied-by", "migrate-cli", "name recorded with applied migrations")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), opts, func(ctx context.Context, t migrate.Target, ms []migrate.Migration) error {
					n, err := migrate.Up(ctx, t, ms, opts.appliedBy)
					if err != nil {
						return err
					}
					if n == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No new migrations to apply. Database is up to date.")
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Successfully applied %d migration(s)\n", n)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), opts, func(ctx context.Context, t migrate.Target, ms []migrate.Migration) error {
					entries, err := migrate.Status(ctx, t, ms)
					if err != nil {
						return err
					}
					printStatus(cmd.OutOrStdout(), entries)
					return nil
				})
			},
		},
	)
	return rootCmd
}

// run opens the target selected by opts, loads its embedded migrations and
// calls fn.
func run(ctx context.Context, opts *options, fn func(context.Context, migrate.Target, []migrate.Migration) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log := logger.NewWithConfig(cfg.Log.Level, cfg.Log.Format)
	ctx = logger.WithContext(ctx, log)

	backend := opts.backend
	if backend == "" {
		backend = cfg.Store.Backend
	}

	var (
		target migrate.Target
		fsys   fs.FS
		vars   map[string]string
	)
	switch backend {
	case config.BackendPostgres:
		if cfg.Store.Postgres.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
		pool, err := postgres.Connect(ctx, cfg.Store.Postgres.DatabaseURL, 2)
		if err != nil {
			return err
		}
		defer pool.Close()
		target, fsys = postgres.NewMigrationTarget(pool), postgres.Migrations()

	case config.BackendBigQuery:
		bq, err := infraBQ.NewStore(ctx, cfg.Store.BigQuery.ProjectID, cfg.Store.BigQuery.Dataset)
		if err != nil {
			return err
		}
		defer bq.Close()
		t := infraBQ.NewMigrationTarget(bq)
		target, fsys, vars = t, infraBQ.Migrations(), t.Vars()

	default:
		return fmt.Errorf("backend %q has no migrations", backend)
	}

	migrations, err := migrate.Load(ctx, fsys, vars)
	if err != nil {
		return err
	}
	log.Info().Str("backend", backend).Int("count", len(migrations)).Msg("loaded migrations")
	return fn(ctx, target, migrations)
}

func printStatus(w io.Writer, entries []migrate.StatusEntry) {
	for _, e := range entries {
		m := e.Migration
		switch {
		case e.Applied == nil:
			fmt.Fprintf(w, "  [PENDING]  %04d_%s\n", m.Version, m.Name)
		case e.Modified:
			fmt.Fprintf(w, "  [MODIFIED] %04d_%s (applied %s by %s)\n", m.Version, m.Name,
				e.Applied.AppliedAt.Format("2006-01-02 15:04:05"), e.Applied.AppliedBy)
		default:
			fmt.Fprintf(w, "  [APPLIED]  %04d_%s (applied %s by %s)\n", m.Version, m.Name,
				e.Applied.AppliedAt.Format("2006-01-02 15:04:05"), e.Applied.AppliedBy)
		}
	}
}

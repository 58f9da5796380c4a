// Package app builds the service from its configuration and runs the
// background worker shared by cmd/api and cmd/worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mossida/midday/internal/amount"
	"github.com/mossida/midday/internal/api"
	"github.com/mossida/midday/internal/config"
	"github.com/mossida/midday/internal/files"
	infraBQ "github.com/mossida/midday/internal/infra/bigquery"
	memstore "github.com/mossida/midday/internal/infra/inmemory"
	"github.com/mossida/midday/internal/infra/postgres"
	"github.com/mossida/midday/internal/importer"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/jobs/inmemory"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/provider"
	"github.com/mossida/midday/internal/provider/gocardless"
	"github.com/mossida/midday/internal/schedule"
	"github.com/mossida/midday/internal/store"
	"github.com/mossida/midday/internal/workflow"
)

// shutdownTimeout bounds waiting for in-flight jobs on stop.
const shutdownTimeout = 30 * time.Second

// App holds the wired components.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	Store      store.Store
	JobStore   jobs.JobStore
	Queue      *inmemory.Queue
	Registry   *schedule.CronRegistry
	Dispatcher *workflow.Dispatcher
	Service    *workflow.Service

	listener *postgres.Listener
	closers  []func() error
}

// New wires the components selected by cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ctx = logger.WithContext(ctx, log)

	conv, err := amount.ParseConvention(cfg.Import.Convention)
	if err != nil {
		return nil, fmt.Errorf("New: import.convention: %w", err)
	}

	locker, pool, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	source, err := a.openFiles(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	fetcher, err := newFetcher(ctx, cfg.Provider.GoCardless)
	if err != nil {
		a.Close()
		return nil, err
	}

	suggester, err := newSuggester(ctx, cfg.Import)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = inmemory.NewQueue(inmemory.QueueConfig{
		Workers:     cfg.Jobs.Workers,
		BufferSize:  cfg.Jobs.BufferSize,
		MaxRetries:  cfg.Jobs.MaxRetries,
		BaseBackoff: cfg.Jobs.BaseBackoff,
		Timeout:     cfg.Jobs.Timeout,
	}, a.JobStore)
	a.closers = append(a.closers, a.Queue.Close)

	a.Dispatcher = workflow.NewDispatcher(a.Queue)
	a.Registry = schedule.NewCronRegistry(ctx, a.fire)

	listen := cfg.Store.Backend == config.BackendPostgres && cfg.Store.Postgres.ListenAccountEvents
	a.Service = workflow.NewService(workflow.Deps{
		Store:      a.Store,
		Locker:     locker,
		Fetcher:    fetcher,
		Registry:   a.Registry,
		Dispatcher: a.Dispatcher,
		Files:      source,
		Suggester:  suggester,
	}, workflow.Config{
		Cron:                 cfg.Schedule.Cron,
		RegistrationAttempts: cfg.Schedule.MaxAttempts,
		RegistrationBackoff: gax.Backoff{
			Initial:    cfg.Schedule.InitialBackoff,
			Max:        cfg.Schedule.MaxBackoff,
			Multiplier: 2,
		},
		Convention:        conv,
		EmitAccountEvents: !listen,
	})

	if listen {
		a.listener = postgres.NewListener(pool, a.onAccountEvent)
	}

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("files", cfg.Files.Backend).
		Bool("listen_account_events", listen).
		Msg("service wired")
	return a, nil
}

// openStore sets Store and JobStore and returns the cross-process locker.
// The pool is non-nil for the postgres backend.
func (a *App) openStore(ctx context.Context) (store.Locker, *pgxpool.Pool, error) {
	cfg := a.Config.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DatabaseURL, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Store = postgres.NewStore(pool)
		a.JobStore = postgres.NewJobStore(pool)
		return postgres.NewLocker(pool), pool, nil

	case config.BackendBigQuery:
		bq, err := infraBQ.NewStore(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)
		if err != nil {
			return nil, nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, bq.Close)
		a.Store = bq
		a.JobStore = inmemory.NewStore()
		a.Log.Warn().Msg("bigquery backend keeps jobs in memory; run a single worker")
		return memstore.NewLocker(), nil, nil

	default:
		a.Store = memstore.NewStore()
		a.JobStore = inmemory.NewStore()
		return memstore.NewLocker(), nil, nil
	}
}

func (a *App) openFiles(ctx context.Context) (files.Source, error) {
	cfg := a.Config.Files
	if cfg.Backend == config.FilesGCS {
		g, err := files.NewGCS(ctx, cfg.Bucket, cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	}
	l, err := files.NewLocal(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	return l, nil
}

func newFetcher(ctx context.Context, cfg config.GoCardlessConfig) (provider.Fetcher, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		log := logger.FromContext(ctx)
		log.Warn().Msg("no GoCardless credentials configured, provider fetches return nothing")
		return provider.NewStaticFetcher(), nil
	}
	client, err := gocardless.NewClient(gocardless.Config{
		BaseURL:           cfg.BaseURL,
		SecretID:          cfg.SecretID,
		SecretKey:         cfg.SecretKey,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	return client, nil
}

func newSuggester(ctx context.Context, cfg config.ImportConfig) (importer.Suggester, error) {
	if cfg.GeminiAPIKey == "" {
		return importer.HeuristicSuggester{}, nil
	}
	g, err := importer.NewGeminiSuggester(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	return g, nil
}

// fire turns a cron firing into a ScheduleFired job.
func (a *App) fire(ctx context.Context, bankAccountID string) {
	log := logger.FromContext(ctx)
	job, err := a.Dispatcher.Dispatch(ctx, workflow.ScheduleFired{BankAccountID: bankAccountID})
	if err != nil {
		log.Error().Err(err).
			Str("bank_account_id", bankAccountID).
			Msg("failed to dispatch scheduled sync")
		return
	}
	log.Debug().
		Str("bank_account_id", bankAccountID).
		Str("job_id", job.ID).
		Msg("scheduled sync dispatched")
}

// onAccountEvent turns a bank_accounts notification into a workflow job.
func (a *App) onAccountEvent(ctx context.Context, ev postgres.AccountEvent) error {
	var msg workflow.Message
	switch ev.Channel {
	case postgres.ChannelBankAccountCreated:
		msg = workflow.AccountCreated{
			BankAccountID:     ev.BankAccountID,
			ExternalAccountID: ev.ExternalAccountID,
			TeamID:            ev.TeamID,
		}
	case postgres.ChannelBankAccountDeleted:
		msg = workflow.AccountUnlinked{BankAccountID: ev.BankAccountID}
	default:
		return fmt.Errorf("unknown channel %q", ev.Channel)
	}
	_, err := a.Dispatcher.Dispatch(ctx, msg)
	return err
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewRouter(a.Service, a.JobStore, a.Log)
}

// RunWorker consumes jobs, fires schedules and, for postgres, listens for
// account events until ctx is done. It restores schedules and requeues
// unfinished jobs first.
func (a *App) RunWorker(ctx context.Context) error {
	ctx = logger.WithContext(ctx, a.Log)
	log := a.Log

	if err := a.Queue.Start(ctx, a.Service.Handle); err != nil {
		return fmt.Errorf("RunWorker: starting queue: %w", err)
	}
	a.Registry.Start()

	if err := a.Service.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("schedule restore incomplete")
	}
	n, err := a.Queue.Requeue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to requeue unfinished jobs")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("requeued unfinished jobs")
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.listener != nil {
		g.Go(func() error { return a.listener.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	log.Info().Msg("stopping worker")
	a.Registry.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Queue.Stop(stopCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("RunWorker: stopping queue: %w", err))
	}
	return runErr
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

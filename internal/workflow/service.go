// Package workflow runs the ingestion and sync workflows: account lifecycle,
// initial and recurring syncs, and CSV imports.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mossida/midday/internal/amount"
	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/files"
	"github.com/mossida/midday/internal/importer"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/provider"
	"github.com/mossida/midday/internal/reconcile"
	"github.com/mossida/midday/internal/schedule"
	"github.com/mossida/midday/internal/store"
)

// Config tunes a Service.
type Config struct {
	// Cron is the recurring sync expression, default hourly.
	Cron string

	// RegistrationAttempts bounds schedule registration attempts.
	RegistrationAttempts int

	// RegistrationBackoff spaces registration attempts.
	RegistrationBackoff gax.Backoff

	// FetchTimeout bounds one provider fetch, 0 = none.
	FetchTimeout time.Duration

	// Convention is the default number format for imports.
	Convention amount.Convention

	// EmitAccountEvents makes LinkAccount and UnlinkAccount dispatch the
	// account events themselves. Disable it when the store delivers them.
	EmitAccountEvents bool
}

func (c Config) withDefaults() Config {
	if c.Cron == "" {
		c.Cron = domain.DefaultCron
	}
	if c.RegistrationAttempts <= 0 {
		c.RegistrationAttempts = 5
	}
	if c.RegistrationBackoff.Initial <= 0 {
		c.RegistrationBackoff.Initial = 500 * time.Millisecond
	}
	if c.RegistrationBackoff.Max <= 0 {
		c.RegistrationBackoff.Max = 30 * time.Second
	}
	if c.RegistrationBackoff.Multiplier <= 1 {
		c.RegistrationBackoff.Multiplier = 2
	}
	return c
}

// Deps are the capabilities a Service works with. Locker, Files, Engine and
// Suggester are optional.
type Deps struct {
	Store      store.Store
	Locker     store.Locker
	Fetcher    provider.Fetcher
	Registry   schedule.Registry
	Dispatcher *Dispatcher
	Files      files.Source
	Engine     *reconcile.Engine
	Suggester  importer.Suggester
}

// Service consumes workflow jobs.
type Service struct {
	cfg        Config
	store      store.Store
	locker     store.Locker
	fetcher    provider.Fetcher
	registry   schedule.Registry
	dispatcher *Dispatcher
	files      files.Source
	engine     *reconcile.Engine
	suggester  importer.Suggester

	syncs singleflight.Group
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a Service. Engine defaults to one writing to Store.
func NewService(deps Deps, cfg Config) *Service {
	engine := deps.Engine
	if engine == nil {
		engine = reconcile.NewEngine(deps.Store)
	}
	suggester := deps.Suggester
	if suggester == nil {
		suggester = importer.HeuristicSuggester{}
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		locker:     deps.Locker,
		fetcher:    deps.Fetcher,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		files:      deps.Files,
		engine:     engine,
		suggester:  suggester,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      gax.Sleep,
	}
}

// Handle is the single dispatch function for workflow jobs. Results are
// stored on the job.
func (s *Service) Handle(ctx context.Context, job *jobs.Job) error {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Logger()
	ctx = logger.WithContext(ctx, log)

	var (
		result any
		err    error
	)
	switch job.Type {
	case jobs.JobTypeAccountCreated:
		var msg AccountCreated
		if msg, err = decode[AccountCreated](job); err == nil {
			err = s.HandleAccountCreated(ctx, msg)
		}
	case jobs.JobTypeInitialSync:
		var msg InitialSyncRequested
		if msg, err = decode[InitialSyncRequested](job); err == nil {
			result, err = s.HandleInitialSync(ctx, msg)
		}
	case jobs.JobTypeScheduledSync:
		var msg ScheduleFired
		if msg, err = decode[ScheduleFired](job); err == nil {
			result, err = s.HandleScheduleFired(ctx, msg)
		}
	case jobs.JobTypeImport:
		var msg ImportRequested
		if msg, err = decode[ImportRequested](job); err == nil {
			result, err = s.HandleImport(ctx, msg)
		}
	case jobs.JobTypeAccountUnlinked:
		var msg AccountUnlinked
		if msg, err = decode[AccountUnlinked](job); err == nil {
			err = s.HandleAccountUnlinked(ctx, msg)
		}
	default:
		return fmt.Errorf("Handle: unknown job type %q: %w", job.Type, jobs.ErrPermanent)
	}

	if result != nil {
		if rerr := job.SetResult(result); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to encode job result")
		}
	}
	return err
}

// Package schedule registers per-account recurring triggers.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mossida/midday/internal/logger"
)

// ErrInvalidCron is returned for expressions the parser rejects.
var ErrInvalidCron = errors.New("invalid cron expression")

// Registry manages one recurring trigger per bank account.
type Registry interface {
	// Register installs or replaces the trigger for bankAccountID and returns
	// its registration id.
	Register(ctx context.Context, bankAccountID, spec string) (string, error)

	// Unregister removes the trigger. Removing an unknown account is a no-op.
	Unregister(ctx context.Context, bankAccountID string) error

	// Registered reports whether bankAccountID has an active trigger.
	Registered(bankAccountID string) bool
}

// FireFunc is called on every firing with the account the trigger belongs to.
type FireFunc func(ctx context.Context, bankAccountID string)

// CronRegistry is a Registry backed by robfig/cron. Firings run on the cron
// goroutine; FireFunc should hand work off rather than block.
type CronRegistry struct {
	cron   *cron.Cron
	parser cron.Parser
	fire   FireFunc
	ctx    context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronRegistry creates a registry calling fire on each firing. ctx is
// passed to fire and carries the logger.
func NewCronRegistry(ctx context.Context, fire FireFunc) *CronRegistry {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &CronRegistry{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		fire:    fire,
		ctx:     ctx,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing registered triggers.
func (r *CronRegistry) Start() {
	r.cron.Start()
}

// Stop halts the scheduler and waits for running firings.
func (r *CronRegistry) Stop() {
	<-r.cron.Stop().Done()
}

// Register implements Registry.
func (r *CronRegistry) Register(ctx context.Context, bankAccountID, spec string) (string, error) {
	sched, err := r.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidCron, spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[bankAccountID]; ok {
		r.cron.Remove(old)
	}
	id := r.cron.Schedule(sched, cron.FuncJob(func() {
		r.fire(r.ctx, bankAccountID)
	}))
	r.entries[bankAccountID] = id

	log := logger.FromContext(ctx)
	log.Debug().
		Str("bank_account_id", bankAccountID).
		Str("cron", spec).
		Int("entry_id", int(id)).
		Msg("registered recurring sync")

	return registrationID(bankAccountID, id), nil
}

// Unregister implements Registry.
func (r *CronRegistry) Unregister(ctx context.Context, bankAccountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[bankAccountID]; ok {
		r.cron.Remove(id)
		delete(r.entries, bankAccountID)
	}
	return nil
}

// Registered implements Registry.
func (r *CronRegistry) Registered(bankAccountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[bankAccountID]
	return ok
}

// Len returns the number of active triggers.
func (r *CronRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Validate reports whether spec is a valid cron expression.
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCron, spec, err)
	}
	return nil
}

func registrationID(bankAccountID string, id cron.EntryID) string {
	return bankAccountID + "#" + strconv.Itoa(int(id))
}

var _ Registry = (*CronRegistry)(nil)

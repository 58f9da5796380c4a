// Package reconcile merges fetched or imported transactions into the store
// without creating duplicates.
package reconcile

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/store"
)

// Mode selects how provider-id conflicts are treated.
type Mode int

const (
	// ModeUpsertIgnoreDuplicates inserts absent rows and silently skips
	// existing ones. Used by recurring syncs and imports.
	ModeUpsertIgnoreDuplicates Mode = iota
	// ModeInsertOnly inserts absent rows and reports each existing one as a
	// DuplicateError. Used by the initial sync.
	ModeInsertOnly
)

func (m Mode) String() string {
	switch m {
	case ModeUpsertIgnoreDuplicates:
		return "upsert_ignore_duplicates"
	case ModeInsertOnly:
		return "insert_only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DefaultBatchSize is the number of rows written per store call.
const DefaultBatchSize = 500

// Result summarizes one Reconcile call.
type Result struct {
	// Written is the number of rows actually inserted.
	Written int `json:"written"`

	// Duplicates lists conflicts found in ModeInsertOnly, including repeats
	// within the call. Always empty in
	// ModeUpsertIgnoreDuplicates.
	Duplicates []*DuplicateError `json:"-"`

	// Skipped counts rows not written: store conflicts plus repeats of a
	// provider id within the same call.
	Skipped int `json:"skipped"`

	Batches int `json:"batches"`
}

// Engine writes transactions through a TransactionStore.
type Engine struct {
	store     store.TransactionStore
	batchSize int
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets the number of rows per store call.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine writing to s.
func NewEngine(s store.TransactionStore, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile stamps every transaction with teamID and bankAccountID and writes
// it insert-if-absent on the provider transaction id. Repeats of a provider
// id inside txs are collapsed, the first occurrence wins.
//
// A store error aborts the call. Rows written by earlier batches stay written;
// the returned Result reflects them.
func (e *Engine) Reconcile(ctx context.Context, teamID, bankAccountID string, txs iter.Seq[domain.Transaction], mode Mode) (Result, error) {
	log := logger.FromContext(ctx).With().
		Str("team_id", teamID).
		Str("bank_account_id", bankAccountID).
		Stringer("mode", mode).
		Logger()

	var res Result
	seen := make(map[string]struct{})
	batch := make([]domain.Transaction, 0, e.batchSize)

	reportDuplicate := func(providerID string) {
		if mode != ModeInsertOnly {
			return
		}
		dup := &DuplicateError{ProviderTransactionID: providerID, BankAccountID: bankAccountID}
		res.Duplicates = append(res.Duplicates, dup)
		log.Warn().Err(dup).Str("provider_transaction_id", providerID).Msg("duplicate transaction skipped")
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := e.store.InsertTransactions(ctx, batch)
		if err != nil {
			return fmt.Errorf("Reconcile: inserting batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Written += len(out.Inserted)
		res.Skipped += len(out.Conflicts)
		for _, id := range out.Conflicts {
			reportDuplicate(id)
		}
		batch = batch[:0]
		return nil
	}

	for tx := range txs {
		if tx.HasProviderID() {
			if _, dup := seen[tx.ProviderTransactionID]; dup {
				res.Skipped++
				reportDuplicate(tx.ProviderTransactionID)
				continue
			}
			seen[tx.ProviderTransactionID] = struct{}{}
		}

		tx.TeamID = teamID
		tx.BankAccountID = bankAccountID
		if tx.ID == "" {
			tx.ID = e.newID()
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = e.now()
		}
		batch = append(batch, tx)

		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	log.Debug().
		Int("written", res.Written).
		Int("skipped", res.Skipped).
		Int("batches", res.Batches).
		Msg("reconcile finished")

	return res, nil
}

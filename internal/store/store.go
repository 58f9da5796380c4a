// Package store defines the persistence capabilities the sync workflow
// depends on. Backends live under internal/infra.
package store

import (
	"context"
	"errors"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/mossida/midday/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// InsertResult reports the outcome of an insert-if-absent batch.
type InsertResult struct {
	// Inserted holds the rows that were written.
	Inserted []domain.Transaction

	// Conflicts holds the provider transaction ids that already existed.
	Conflicts []string
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	TeamID        string
	BankAccountID string
	StartDate     civil.Date // zero = unbounded
	EndDate       civil.Date // zero = unbounded, inclusive
	Limit         int
	Offset        int
}

// TransactionStore provides transaction persistence.
type TransactionStore interface {
	// InsertTransactions writes rows whose provider_transaction_id is not yet
	// stored; rows with an existing id are left untouched and reported in
	// Conflicts. Rows without a provider id are always inserted.
	InsertTransactions(ctx context.Context, rows []domain.Transaction) (InsertResult, error)

	// ListTransactions returns stored transactions ordered by date, then id.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
}

// BankAccountStore provides bank account persistence.
type BankAccountStore interface {
	// CreateBankAccount inserts a new bank account.
	CreateBankAccount(ctx context.Context, account *domain.BankAccount) error

	// GetBankAccount returns the account or ErrNotFound.
	GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error)

	// UpdateBankAccountBalance sets currency and balance on the account.
	UpdateBankAccountBalance(ctx context.Context, id, currency string, balance decimal.Decimal) error

	// DeleteBankAccount removes the account. Missing accounts return ErrNotFound.
	DeleteBankAccount(ctx context.Context, id string) error
}

// ScheduleStore provides schedule persistence. One row per bank account.
type ScheduleStore interface {
	// SaveSchedule inserts or replaces the schedule for its bank account.
	SaveSchedule(ctx context.Context, schedule *domain.Schedule) error

	// GetSchedule returns the schedule or ErrNotFound.
	GetSchedule(ctx context.Context, bankAccountID string) (*domain.Schedule, error)

	// ListSchedules returns schedules in the given state, or all when state is empty.
	ListSchedules(ctx context.Context, state domain.ScheduleState) ([]*domain.Schedule, error)

	// DeleteSchedule removes the schedule. Deleting a missing schedule is not an error.
	DeleteSchedule(ctx context.Context, bankAccountID string) error
}

// Locker serializes work on a key across processes.
type Locker interface {
	// TryLock acquires the lock for key without blocking. When acquired is
	// false the lock is held elsewhere and release is nil.
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// Store groups the capabilities injected into the workflow.
type Store interface {
	TransactionStore
	BankAccountStore
	ScheduleStore
}

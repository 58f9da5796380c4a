// Package inmemory provides a map-backed implementation of store.Store.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

// Store is an in-memory implementation of store.Store.
// It is safe for concurrent use. Data is lost on restart.
type Store struct {
	mu sync.RWMutex

	transactions []domain.Transaction
	byProviderID map[string]int // provider_transaction_id -> index in transactions
	accounts     map[string]*domain.BankAccount
	schedules    map[string]*domain.Schedule
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		byProviderID: make(map[string]int),
		accounts:     make(map[string]*domain.BankAccount),
		schedules:    make(map[string]*domain.Schedule),
	}
}

// InsertTransactions implements store.TransactionStore.
func (s *Store) InsertTransactions(ctx context.Context, rows []domain.Transaction) (store.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return store.InsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.InsertResult
	for _, row := range rows {
		if row.HasProviderID() {
			if _, exists := s.byProviderID[row.ProviderTransactionID]; exists {
				res.Conflicts = append(res.Conflicts, row.ProviderTransactionID)
				continue
			}
		}
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		s.transactions = append(s.transactions, row)
		if row.HasProviderID() {
			s.byProviderID[row.ProviderTransactionID] = len(s.transactions) - 1
		}
		res.Inserted = append(res.Inserted, row)
	}
	return res, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Transaction
	for _, tx := range s.transactions {
		if filter.TeamID != "" && tx.TeamID != filter.TeamID {
			continue
		}
		if filter.BankAccountID != "" && tx.BankAccountID != filter.BankAccountID {
			continue
		}
		if !filter.StartDate.IsZero() && tx.Date.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && tx.Date.After(filter.EndDate) {
			continue
		}
		result = append(result, tx)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.Transaction{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CreateBankAccount implements store.BankAccountStore.
func (s *Store) CreateBankAccount(ctx context.Context, account *domain.BankAccount) error {
	if account.ID == "" {
		return fmt.Errorf("bank account ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("bank account %s already exists", account.ID)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	accountCopy := *account
	s.accounts[account.ID] = &accountCopy
	return nil
}

// GetBankAccount implements store.BankAccountStore.
func (s *Store) GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[id]
	if !exists {
		return nil, fmt.Errorf("bank account %s: %w", id, store.ErrNotFound)
	}
	accountCopy := *account
	return &accountCopy, nil
}

// UpdateBankAccountBalance implements store.BankAccountStore.
func (s *Store) UpdateBankAccountBalance(ctx context.Context, id, currency string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[id]
	if !exists {
		return fmt.Errorf("bank account %s: %w", id, store.ErrNotFound)
	}
	account.Currency = currency
	account.Balance = &balance
	return nil
}

// DeleteBankAccount implements store.BankAccountStore.
func (s *Store) DeleteBankAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[id]; !exists {
		return fmt.Errorf("bank account %s: %w", id, store.ErrNotFound)
	}
	delete(s.accounts, id)
	return nil
}

// SaveSchedule implements store.ScheduleStore.
func (s *Store) SaveSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if schedule.BankAccountID == "" {
		return fmt.Errorf("schedule bank account ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scheduleCopy := *schedule
	s.schedules[schedule.BankAccountID] = &scheduleCopy
	return nil
}

// GetSchedule implements store.ScheduleStore.
func (s *Store) GetSchedule(ctx context.Context, bankAccountID string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, exists := s.schedules[bankAccountID]
	if !exists {
		return nil, fmt.Errorf("schedule %s: %w", bankAccountID, store.ErrNotFound)
	}
	scheduleCopy := *schedule
	return &scheduleCopy, nil
}

// ListSchedules implements store.ScheduleStore.
func (s *Store) ListSchedules(ctx context.Context, state domain.ScheduleState) ([]*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Schedule
	for _, schedule := range s.schedules {
		if state != "" && schedule.State != state {
			continue
		}
		scheduleCopy := *schedule
		result = append(result, &scheduleCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BankAccountID < result[j].BankAccountID
	})
	return result, nil
}

// DeleteSchedule implements store.ScheduleStore.
func (s *Store) DeleteSchedule(ctx context.Context, bankAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedules, bankAccountID)
	return nil
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)

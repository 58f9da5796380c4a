package inmemory

import (
	"context"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

func tx(providerID string, day int) domain.Transaction {
	return domain.Transaction{
		ProviderTransactionID: providerID,
		TeamID:                "team-1",
		BankAccountID:         "acc-1",
		Date:                  civil.Date{Year: 2024, Month: 1, Day: day},
		Description:           "row " + providerID,
		Amount:                decimal.NewFromInt(int64(day)),
		Currency:              "EUR",
	}
}

func TestInsertTransactions_IgnoresExistingProviderIDs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	res, err := s.InsertTransactions(ctx, []domain.Transaction{tx("TX1", 1), tx("TX2", 2)})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 2)
	assert.Empty(t, res.Conflicts)

	changed := tx("TX1", 1)
	changed.Description = "overwritten?"
	res, err = s.InsertTransactions(ctx, []domain.Transaction{changed, tx("TX3", 3)})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)
	assert.Equal(t, []string{"TX1"}, res.Conflicts)

	all, err := s.ListTransactions(ctx, store.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "row TX1", all[0].Description)
	for _, row := range all {
		assert.NotEmpty(t, row.ID)
		assert.False(t, row.CreatedAt.IsZero())
	}
}

func TestInsertTransactions_EmptyProviderIDNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	res, err := s.InsertTransactions(ctx, []domain.Transaction{tx("", 1), tx("", 1)})
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 2)
}

func TestInsertTransactions_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.InsertTransactions(ctx, []domain.Transaction{tx("TX1", 1), tx("TX2", 2)})
		}()
	}
	wg.Wait()

	all, err := s.ListTransactions(ctx, store.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListTransactions_Filter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	other := tx("TX9", 9)
	other.BankAccountID = "acc-2"
	_, err := s.InsertTransactions(ctx, []domain.Transaction{tx("TX5", 5), tx("TX1", 1), tx("TX3", 3), other})
	require.NoError(t, err)

	got, err := s.ListTransactions(ctx, store.TransactionFilter{
		BankAccountID: "acc-1",
		StartDate:     civil.Date{Year: 2024, Month: 1, Day: 2},
		EndDate:       civil.Date{Year: 2024, Month: 1, Day: 5},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "TX3", got[0].ProviderTransactionID)
	assert.Equal(t, "TX5", got[1].ProviderTransactionID)

	got, err = s.ListTransactions(ctx, store.TransactionFilter{BankAccountID: "acc-1", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "TX3", got[0].ProviderTransactionID)
}

func TestBankAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.CreateBankAccount(ctx, &domain.BankAccount{ID: "acc-1", TeamID: "team-1", ExternalAccountID: "ext-1"}))
	assert.Error(t, s.CreateBankAccount(ctx, &domain.BankAccount{ID: "acc-1"}))

	require.NoError(t, s.UpdateBankAccountBalance(ctx, "acc-1", "EUR", decimal.RequireFromString("1234.56")))

	got, err := s.GetBankAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "EUR", got.Currency)
	require.NotNil(t, got.Balance)
	assert.Equal(t, "1234.56", got.Balance.String())

	_, err = s.GetBankAccount(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateBankAccountBalance(ctx, "missing", "EUR", decimal.Zero), store.ErrNotFound)

	require.NoError(t, s.DeleteBankAccount(ctx, "acc-1"))
	assert.ErrorIs(t, s.DeleteBankAccount(ctx, "acc-1"), store.ErrNotFound)
}

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.SaveSchedule(ctx, &domain.Schedule{BankAccountID: "acc-2", State: domain.ScheduleStateScheduled}))
	require.NoError(t, s.SaveSchedule(ctx, &domain.Schedule{BankAccountID: "acc-1", State: domain.ScheduleStatePendingInitialSync}))

	scheduled, err := s.ListSchedules(ctx, domain.ScheduleStateScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "acc-2", scheduled[0].BankAccountID)

	all, err := s.ListSchedules(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acc-1", all[0].BankAccountID)

	require.NoError(t, s.DeleteSchedule(ctx, "acc-1"))
	require.NoError(t, s.DeleteSchedule(ctx, "acc-1"))
	_, err = s.GetSchedule(ctx, "acc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	release, ok, err := l.TryLock(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "acc-2")
	assert.True(t, ok)

	release()
	release()

	_, ok, _ = l.TryLock(ctx, "acc-1")
	assert.True(t, ok)
}

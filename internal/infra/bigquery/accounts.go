package bigquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

// BankAccountRow is a bank account record in BigQuery.
type BankAccountRow struct {
	ID                string   `bigquery:"id"`                  // REQUIRED
	TeamID            string   `bigquery:"team_id"`             // REQUIRED
	ExternalAccountID string   `bigquery:"external_account_id"` // REQUIRED
	Name              string   `bigquery:"name"`                // NULLABLE (empty string → "")
	Currency          string   `bigquery:"currency"`            // NULLABLE
	Balance           *big.Rat `bigquery:"balance"`             // NULLABLE NUMERIC

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// CreateBankAccount implements store.BankAccountStore.
func (s *Store) CreateBankAccount(ctx context.Context, account *domain.BankAccount) error {
	if account.ID == "" {
		return errors.New("CreateBankAccount: bank account ID is required")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	q := s.client.Query(`
		MERGE ` + s.table(bankAccountsTable) + ` T
		USING (SELECT @id AS id) S
		ON T.id = S.id
		WHEN NOT MATCHED THEN
		  INSERT (id, team_id, external_account_id, name, currency, balance, created_ts)
		  VALUES (@id, @team_id, @external_account_id, @name, @currency,
		    SAFE_CAST(NULLIF(@balance, '') AS NUMERIC), @created_ts)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "id", Value: account.ID},
		{Name: "team_id", Value: account.TeamID},
		{Name: "external_account_id", Value: account.ExternalAccountID},
		{Name: "name", Value: account.Name},
		{Name: "currency", Value: account.Currency},
		{Name: "balance", Value: decimalString(account.Balance)},
		{Name: "created_ts", Value: account.CreatedAt},
	}

	n, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("CreateBankAccount: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("CreateBankAccount: bank account %s already exists", account.ID)
	}
	return nil
}

// GetBankAccount implements store.BankAccountStore.
func (s *Store) GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error) {
	q := s.client.Query(`
		SELECT id, team_id, external_account_id, name, currency, balance, created_ts
		FROM ` + s.table(bankAccountsTable) + `
		WHERE id = @id
		LIMIT 1
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "id", Value: id}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetBankAccount: reading query: %w", err)
	}

	var row BankAccountRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, fmt.Errorf("GetBankAccount: bank account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetBankAccount: iterating: %w", err)
	}

	balance, err := nullableDecimal(row.Balance)
	if err != nil {
		return nil, fmt.Errorf("GetBankAccount: balance of %s: %w", id, err)
	}
	return &domain.BankAccount{
		ID:                row.ID,
		TeamID:            row.TeamID,
		ExternalAccountID: row.ExternalAccountID,
		Name:              row.Name,
		Currency:          row.Currency,
		Balance:           balance,
		CreatedAt:         row.CreatedTS,
	}, nil
}

// UpdateBankAccountBalance implements store.BankAccountStore.
func (s *Store) UpdateBankAccountBalance(ctx context.Context, id, currency string, balance decimal.Decimal) error {
	q := s.client.Query(`
		UPDATE ` + s.table(bankAccountsTable) + `
		SET currency = @currency, balance = CAST(@balance AS NUMERIC)
		WHERE id = @id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "id", Value: id},
		{Name: "currency", Value: currency},
		{Name: "balance", Value: balance.String()},
	}

	n, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("UpdateBankAccountBalance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("UpdateBankAccountBalance: bank account %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteBankAccount implements store.BankAccountStore.
func (s *Store) DeleteBankAccount(ctx context.Context, id string) error {
	q := s.client.Query(`DELETE FROM ` + s.table(bankAccountsTable) + ` WHERE id = @id`)
	q.Parameters = []bigquery.QueryParameter{{Name: "id", Value: id}}

	n, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("DeleteBankAccount: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("DeleteBankAccount: bank account %s: %w", id, store.ErrNotFound)
	}
	return nil
}

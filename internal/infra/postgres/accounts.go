package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

// CreateBankAccount implements store.BankAccountStore.
func (s *Store) CreateBankAccount(ctx context.Context, account *domain.BankAccount) error {
	if account.ID == "" {
		return errors.New("CreateBankAccount: bank account ID is required")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO bank_accounts (id, team_id, external_account_id, name, currency, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`,
		account.ID, account.TeamID, account.ExternalAccountID, account.Name, account.Currency,
		decimalText(account.Balance), account.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("CreateBankAccount: bank account %s already exists", account.ID)
	}
	if err != nil {
		return fmt.Errorf("CreateBankAccount: %w", err)
	}
	return nil
}

// GetBankAccount implements store.BankAccountStore.
func (s *Store) GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error) {
	var (
		account domain.BankAccount
		balance *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, team_id, external_account_id, name, currency, balance::text, created_at
		FROM bank_accounts WHERE id = $1`, id).
		Scan(&account.ID, &account.TeamID, &account.ExternalAccountID, &account.Name,
			&account.Currency, &balance, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("GetBankAccount: %w", notFound(err, "bank account", id))
	}
	if account.Balance, err = parseDecimalText(balance); err != nil {
		return nil, fmt.Errorf("GetBankAccount: balance of %s: %w", id, err)
	}
	return &account, nil
}

// UpdateBankAccountBalance implements store.BankAccountStore.
func (s *Store) UpdateBankAccountBalance(ctx context.Context, id, currency string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bank_accounts SET currency = $2, balance = $3::numeric WHERE id = $1`,
		id, currency, balance.String())
	if err != nil {
		return fmt.Errorf("UpdateBankAccountBalance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("UpdateBankAccountBalance: bank account %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteBankAccount implements store.BankAccountStore.
func (s *Store) DeleteBankAccount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bank_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteBankAccount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DeleteBankAccount: bank account %s: %w", id, store.ErrNotFound)
	}
	return nil
}

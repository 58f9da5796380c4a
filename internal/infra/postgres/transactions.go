package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

const insertTransactionSQL = `
	INSERT INTO transactions (id, provider_transaction_id, team_id, bank_account_id, date,
		description, amount, currency, balance, created_at)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10)
	ON CONFLICT (provider_transaction_id) WHERE provider_transaction_id IS NOT NULL DO NOTHING
	RETURNING id`

// InsertTransactions implements store.TransactionStore. The batch runs in one
// implicit transaction; a conflicting row returns no id.
func (s *Store) InsertTransactions(ctx context.Context, rows []domain.Transaction) (store.InsertResult, error) {
	var res store.InsertResult
	if len(rows) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for i := range rows {
		row := &rows[i]
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		batch.Queue(insertTransactionSQL,
			row.ID,
			row.ProviderTransactionID,
			row.TeamID,
			row.BankAccountID,
			dateValue(row.Date),
			row.Description,
			row.Amount.String(),
			row.Currency,
			decimalText(row.Balance),
			row.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, row := range rows {
		var id string
		err := br.QueryRow().Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Conflicts = append(res.Conflicts, row.ProviderTransactionID)
		case err != nil:
			return store.InsertResult{}, fmt.Errorf("InsertTransactions: %w", err)
		default:
			res.Inserted = append(res.Inserted, row)
		}
	}
	if err := br.Close(); err != nil {
		return store.InsertResult{}, fmt.Errorf("InsertTransactions: %w", err)
	}
	return res, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TeamID != "" {
		add("team_id = $%d", filter.TeamID)
	}
	if filter.BankAccountID != "" {
		add("bank_account_id = $%d", filter.BankAccountID)
	}
	if !filter.StartDate.IsZero() {
		add("date >= $%d", dateValue(filter.StartDate))
	}
	if !filter.EndDate.IsZero() {
		add("date <= $%d", dateValue(filter.EndDate))
	}

	query := `SELECT id, COALESCE(provider_transaction_id, ''), team_id, bank_account_id, date,
		description, amount::text, currency, balance::text, created_at
		FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	defer rows.Close()

	result := []domain.Transaction{}
	for rows.Next() {
		var (
			tx      domain.Transaction
			date    time.Time
			amount  string
			balance *string
		)
		if err := rows.Scan(&tx.ID, &tx.ProviderTransactionID, &tx.TeamID, &tx.BankAccountID, &date,
			&tx.Description, &amount, &tx.Currency, &balance, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListTransactions: scanning: %w", err)
		}
		tx.Date = civil.DateOf(date)
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ListTransactions: amount of %s: %w", tx.ID, err)
		}
		if tx.Balance, err = parseDecimalText(balance); err != nil {
			return nil, fmt.Errorf("ListTransactions: balance of %s: %w", tx.ID, err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return result, nil
}

func dateValue(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalText(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

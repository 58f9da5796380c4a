package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

// TransactionRow is a transaction record in BigQuery.
type TransactionRow struct {
	ID                    string              `bigquery:"id"`                      // REQUIRED
	ProviderTransactionID bigquery.NullString `bigquery:"provider_transaction_id"` // NULLABLE, unique when set

	TeamID        string `bigquery:"team_id"`         // REQUIRED
	BankAccountID string `bigquery:"bank_account_id"` // REQUIRED

	Date        civil.Date `bigquery:"date"`        // REQUIRED
	Description string     `bigquery:"description"` // REQUIRED STRING

	Amount   *big.Rat `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency string   `bigquery:"currency"` // REQUIRED STRING
	Balance  *big.Rat `bigquery:"balance"`  // NULLABLE NUMERIC

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// transactionParam is one element of the MERGE source array. Numbers travel
// as strings and are cast in SQL so NULL balances need no special type.
type transactionParam struct {
	ID                    string     `bigquery:"id"`
	ProviderTransactionID string     `bigquery:"provider_transaction_id"`
	TeamID                string     `bigquery:"team_id"`
	BankAccountID         string     `bigquery:"bank_account_id"`
	Date                  civil.Date `bigquery:"date"`
	Description           string     `bigquery:"description"`
	Amount                string     `bigquery:"amount"`
	Currency              string     `bigquery:"currency"`
	Balance               string     `bigquery:"balance"`
	CreatedTS             time.Time  `bigquery:"created_ts"`
}

// InsertTransactions implements store.TransactionStore. Existing provider ids
// are read first to report conflicts; the MERGE itself never inserts a
// provider id twice, even when another writer races this one.
func (s *Store) InsertTransactions(ctx context.Context, rows []domain.Transaction) (store.InsertResult, error) {
	var res store.InsertResult
	if len(rows) == 0 {
		return res, nil
	}

	var ids []string
	for _, row := range rows {
		if row.HasProviderID() {
			ids = append(ids, row.ProviderTransactionID)
		}
	}
	existing, err := s.existingProviderIDs(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("InsertTransactions: %w", err)
	}

	params := make([]transactionParam, 0, len(rows))
	for _, row := range rows {
		if row.HasProviderID() {
			if _, ok := existing[row.ProviderTransactionID]; ok {
				res.Conflicts = append(res.Conflicts, row.ProviderTransactionID)
				continue
			}
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		params = append(params, transactionParam{
			ID:                    row.ID,
			ProviderTransactionID: row.ProviderTransactionID,
			TeamID:                row.TeamID,
			BankAccountID:         row.BankAccountID,
			Date:                  row.Date,
			Description:           row.Description,
			Amount:                row.Amount.String(),
			Currency:              row.Currency,
			Balance:               decimalString(row.Balance),
			CreatedTS:             row.CreatedAt,
		})
		res.Inserted = append(res.Inserted, row)
	}
	if len(params) == 0 {
		return res, nil
	}

	q := s.client.Query(`
		MERGE ` + s.table(transactionsTable) + ` T
		USING (SELECT * FROM UNNEST(@rows)) S
		ON S.provider_transaction_id != ''
		  AND T.provider_transaction_id = S.provider_transaction_id
		WHEN NOT MATCHED THEN
		  INSERT (id, provider_transaction_id, team_id, bank_account_id, date,
		    description, amount, currency, balance, created_ts)
		  VALUES (S.id, NULLIF(S.provider_transaction_id, ''), S.team_id, S.bank_account_id, S.date,
		    S.description, CAST(S.amount AS NUMERIC), S.currency,
		    SAFE_CAST(NULLIF(S.balance, '') AS NUMERIC), S.created_ts)
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "rows", Value: params}}

	if _, err := s.exec(ctx, q); err != nil {
		return store.InsertResult{}, fmt.Errorf("InsertTransactions: merging rows: %w", err)
	}
	return res, nil
}

func (s *Store) existingProviderIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(ids) == 0 {
		return existing, nil
	}

	q := s.client.Query(`
		SELECT provider_transaction_id
		FROM ` + s.table(transactionsTable) + `
		WHERE provider_transaction_id IN UNNEST(@ids)
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "ids", Value: ids}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("existingProviderIDs: query read: %w", err)
	}
	for {
		var row struct {
			ProviderTransactionID string `bigquery:"provider_transaction_id"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("existingProviderIDs: iter next: %w", err)
		}
		existing[row.ProviderTransactionID] = struct{}{}
	}
	return existing, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	var (
		where  []string
		params []bigquery.QueryParameter
	)
	if filter.TeamID != "" {
		where = append(where, "team_id = @team_id")
		params = append(params, bigquery.QueryParameter{Name: "team_id", Value: filter.TeamID})
	}
	if filter.BankAccountID != "" {
		where = append(where, "bank_account_id = @bank_account_id")
		params = append(params, bigquery.QueryParameter{Name: "bank_account_id", Value: filter.BankAccountID})
	}
	if !filter.StartDate.IsZero() {
		where = append(where, "date >= @start_date")
		params = append(params, bigquery.QueryParameter{Name: "start_date", Value: filter.StartDate})
	}
	if !filter.EndDate.IsZero() {
		where = append(where, "date <= @end_date")
		params = append(params, bigquery.QueryParameter{Name: "end_date", Value: filter.EndDate})
	}

	sql := `
		SELECT id, provider_transaction_id, team_id, bank_account_id, date,
			description, amount, currency, balance, created_ts
		FROM ` + s.table(transactionsTable)
	if len(where) > 0 {
		sql += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	sql += "\n\t\tORDER BY date, id"
	if filter.Limit > 0 {
		sql += fmt.Sprintf("\n\t\tLIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	q := s.client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: query read: %w", err)
	}

	result := []domain.Transaction{}
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: iter next: %w", err)
		}
		tx, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		result = append(result, tx)
	}
	return result, nil
}

func (r *TransactionRow) toDomain() (domain.Transaction, error) {
	amount, err := ratToDecimal(r.Amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("amount of %s: %w", r.ID, err)
	}
	balance, err := nullableDecimal(r.Balance)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("balance of %s: %w", r.ID, err)
	}
	return domain.Transaction{
		ID:                    r.ID,
		ProviderTransactionID: r.ProviderTransactionID.StringVal,
		TeamID:                r.TeamID,
		BankAccountID:         r.BankAccountID,
		Date:                  r.Date,
		Description:           r.Description,
		Amount:                amount,
		Currency:              r.Currency,
		Balance:               balance,
		CreatedAt:             r.CreatedTS,
	}, nil
}

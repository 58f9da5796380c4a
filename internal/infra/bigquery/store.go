// Package bigquery implements store.Store on BigQuery. Transactions are
// written with MERGE so a provider transaction id is inserted at most once.
package bigquery

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/big"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/mossida/midday/internal/store"
)

const (
	transactionsTable = "transactions"
	bankAccountsTable = "bank_accounts"
	schedulesTable    = "schedules"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations. They use the
// {{PROJECT_ID}} and {{DATASET_ID}} placeholders.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Store is the BigQuery implementation of store.Store. It holds a shared
// BigQuery client to avoid creating a new connection for each operation.
type Store struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewStore creates a Store with its own client.
func NewStore(ctx context.Context, projectID, datasetID string) (*Store, error) {
	if projectID == "" || datasetID == "" {
		return nil, errors.New("NewStore: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return NewStoreWithClient(client, projectID, datasetID), nil
}

// NewStoreWithClient creates a Store using the provided BigQuery client.
func NewStoreWithClient(client *bigquery.Client, projectID, datasetID string) *Store {
	return &Store{client: client, projectID: projectID, datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// table returns the fully qualified, quoted name of a table.
func (s *Store) table(name string) string {
	return tableName(s.projectID, s.datasetID, name)
}

func tableName(projectID, datasetID, name string) string {
	return "`" + projectID + "." + datasetID + "." + name + "`"
}

// exec runs a DML or DDL query and returns the number of affected rows.
func (s *Store) exec(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("run query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}
	return affectedRows(status), nil
}

func affectedRows(status *bigquery.JobStatus) int64 {
	if status == nil || status.Statistics == nil {
		return 0
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows
	}
	return 0
}

// ratToDecimal converts a NUMERIC value. NUMERIC has a scale of 9, so the
// conversion is exact.
func ratToDecimal(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errors.New("NULL numeric")
	}
	return decimal.NewFromString(r.FloatString(9))
}

func nullableDecimal(r *big.Rat) (*decimal.Decimal, error) {
	if r == nil {
		return nil, nil
	}
	d, err := ratToDecimal(r)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)

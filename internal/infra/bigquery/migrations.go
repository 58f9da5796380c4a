package bigquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/mossida/midday/internal/migrate"
)

// MigrationTarget applies migrations to a BigQuery dataset.
type MigrationTarget struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewMigrationTarget creates a MigrationTarget using the store's client.
func NewMigrationTarget(s *Store) *MigrationTarget {
	return &MigrationTarget{client: s.client, projectID: s.projectID, datasetID: s.datasetID}
}

// Vars returns the placeholder values for Migrations.
func (t *MigrationTarget) Vars() map[string]string {
	return map[string]string{"PROJECT_ID": t.projectID, "DATASET_ID": t.datasetID}
}

func (t *MigrationTarget) run(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

// EnsureTable implements migrate.Target.
func (t *MigrationTarget) EnsureTable(ctx context.Context) error {
	sql := `
		CREATE TABLE IF NOT EXISTS ` + tableName(t.projectID, t.datasetID, "schema_migrations") + ` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`
	return t.run(ctx, t.client.Query(sql))
}

// Applied implements migrate.Target.
func (t *MigrationTarget) Applied(ctx context.Context) ([]migrate.AppliedMigration, error) {
	sql := `
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + tableName(t.projectID, t.datasetID, "schema_migrations") + `
		ORDER BY version ASC
	`
	it, err := t.client.Query(sql).Read(ctx)
	if err != nil {
		// If table doesn't exist yet, return empty list
		if strings.Contains(err.Error(), "Not found") {
			return []migrate.AppliedMigration{}, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []migrate.AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}

		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, migrate.AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

// Apply implements migrate.Target. The migration and its record are separate
// jobs, so migrations must be safe to re-run.
func (t *MigrationTarget) Apply(ctx context.Context, m migrate.Migration, appliedBy string) error {
	if err := t.run(ctx, t.client.Query(m.SQL)); err != nil {
		return fmt.Errorf("executing %s: %w", m.Filename, err)
	}

	q := t.client.Query(`
		INSERT INTO ` + tableName(t.projectID, t.datasetID, "schema_migrations") + `
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	if err := t.run(ctx, q); err != nil {
		return fmt.Errorf("recording %s: %w", m.Filename, err)
	}
	return nil
}

var _ migrate.Target = (*MigrationTarget)(nil)

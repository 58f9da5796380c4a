package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossida/midday/internal/migrate"
)

// MigrationTarget applies migrations to a Postgres database.
type MigrationTarget struct {
	pool *pgxpool.Pool
}

// NewMigrationTarget creates a MigrationTarget using pool.
func NewMigrationTarget(pool *pgxpool.Pool) *MigrationTarget {
	return &MigrationTarget{pool: pool}
}

// EnsureTable implements migrate.Target.
func (t *MigrationTarget) EnsureTable(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum   TEXT,
			applied_by TEXT
		)`)
	if err != nil {
		return fmt.Errorf("EnsureTable: %w", err)
	}
	return nil
}

// Applied implements migrate.Target.
func (t *MigrationTarget) Applied(ctx context.Context) ([]migrate.AppliedMigration, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT version, name, applied_at, COALESCE(checksum, ''), COALESCE(applied_by, '')
		FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("Applied: %w", err)
	}
	defer rows.Close()

	var applied []migrate.AppliedMigration
	for rows.Next() {
		var am migrate.AppliedMigration
		if err := rows.Scan(&am.Version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy); err != nil {
			return nil, fmt.Errorf("Applied: scanning: %w", err)
		}
		applied = append(applied, am)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Applied: %w", err)
	}
	return applied, nil
}

// Apply implements migrate.Target. The migration and its record are
// committed together.
func (t *MigrationTarget) Apply(ctx context.Context, m migrate.Migration, appliedBy string) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("Apply: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("Apply: executing %s: %w", m.Filename, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, applied_by)
		VALUES ($1, $2, $3, $4)`, m.Version, m.Name, m.Checksum, appliedBy); err != nil {
		return fmt.Errorf("Apply: recording %s: %w", m.Filename, err)
	}
	return tx.Commit(ctx)
}

// Migrate applies the embedded migrations and returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool, appliedBy string) (int, error) {
	migrations, err := migrate.Load(ctx, Migrations(), nil)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}
	return migrate.Up(ctx, NewMigrationTarget(pool), migrations, appliedBy)
}

var _ migrate.Target = (*MigrationTarget)(nil)

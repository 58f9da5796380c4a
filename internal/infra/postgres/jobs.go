package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossida/midday/internal/jobs"
)

const jobColumns = `id, type, key, payload, result, status, created_at, started_at,
	completed_at, error, retry_count, max_retries`

// JobStore implements jobs.JobStore so job status survives restarts and is
// shared between the API and worker processes.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a JobStore using pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// SaveJob implements jobs.JobStore.
func (s *JobStore) SaveJob(ctx context.Context, job *jobs.Job) error {
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			result = EXCLUDED.result,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries`,
		job.ID, string(job.Type), job.Key, string(payload), nullJSON(job.Result), string(job.Status),
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.Error, job.RetryCount, job.MaxRetries)
	if err != nil {
		return fmt.Errorf("SaveJob: %w", err)
	}
	return nil
}

// GetJob implements jobs.JobStore.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("GetJob: %w", err)
	}
	return job, nil
}

// ListJobs implements jobs.JobStore.
func (s *JobStore) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	if filter.Key != "" {
		add("key", filter.Key)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
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
		return nil, fmt.Errorf("ListJobs: %w", err)
	}
	defer rows.Close()

	result := []*jobs.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ListJobs: scanning: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListJobs: %w", err)
	}
	return result, nil
}

// UpdateJobStatus implements jobs.JobStore.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error = CASE WHEN $3::text = '' THEN error ELSE $3::text END
		WHERE id = $1`, jobID, string(status), errorMsg)
	if err != nil {
		return fmt.Errorf("UpdateJobStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		job         jobs.Job
		typ, status string
		payload     []byte
		result      []byte
		startedAt   *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(&job.ID, &typ, &job.Key, &payload, &result, &status, &job.CreatedAt,
		&startedAt, &completedAt, &job.Error, &job.RetryCount, &job.MaxRetries); err != nil {
		return nil, err
	}
	job.Type = jobs.JobType(typ)
	job.Status = jobs.JobStatus(status)
	job.Payload = payload
	job.Result = result
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	return &job, nil
}

func nullJSON(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Ensure JobStore implements jobs.JobStore.
var _ jobs.JobStore = (*JobStore)(nil)

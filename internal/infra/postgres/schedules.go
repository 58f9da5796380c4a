package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mossida/midday/internal/domain"
)

const scheduleColumns = `bank_account_id, team_id, cron, registration_id, state, attempts,
	last_error, created_at, updated_at`

// SaveSchedule implements store.ScheduleStore.
func (s *Store) SaveSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if schedule.BankAccountID == "" {
		return errors.New("SaveSchedule: schedule bank account ID is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()), COALESCE($9, now()))
		ON CONFLICT (bank_account_id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			cron = EXCLUDED.cron,
			registration_id = EXCLUDED.registration_id,
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		schedule.BankAccountID, schedule.TeamID, schedule.Cron, schedule.RegistrationID,
		string(schedule.State), schedule.Attempts, schedule.LastError,
		nullTime(schedule.CreatedAt), nullTime(schedule.UpdatedAt))
	if err != nil {
		return fmt.Errorf("SaveSchedule: %w", err)
	}
	return nil
}

// GetSchedule implements store.ScheduleStore.
func (s *Store) GetSchedule(ctx context.Context, bankAccountID string) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE bank_account_id = $1`, bankAccountID)
	sched, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("GetSchedule: %w", notFound(err, "schedule", bankAccountID))
	}
	return sched, nil
}

// ListSchedules implements store.ScheduleStore.
func (s *Store) ListSchedules(ctx context.Context, state domain.ScheduleState) ([]*domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE $1::text = '' OR state = $1::text
		ORDER BY bank_account_id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("ListSchedules: %w", err)
	}
	defer rows.Close()

	var result []*domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSchedules: scanning: %w", err)
		}
		result = append(result, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSchedules: %w", err)
	}
	return result, nil
}

// DeleteSchedule implements store.ScheduleStore.
func (s *Store) DeleteSchedule(ctx context.Context, bankAccountID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE bank_account_id = $1`, bankAccountID); err != nil {
		return fmt.Errorf("DeleteSchedule: %w", err)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		sched domain.Schedule
		state string
	)
	if err := row.Scan(&sched.BankAccountID, &sched.TeamID, &sched.Cron, &sched.RegistrationID,
		&state, &sched.Attempts, &sched.LastError, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	sched.State = domain.ScheduleState(state)
	return &sched, nil
}

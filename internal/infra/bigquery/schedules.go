package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/mossida/midday/internal/domain"
	"github.com/mossida/midday/internal/store"
)

// ScheduleRow is a schedule record in BigQuery.
type ScheduleRow struct {
	BankAccountID  string    `bigquery:"bank_account_id"` // REQUIRED
	TeamID         string    `bigquery:"team_id"`
	Cron           string    `bigquery:"cron"`
	RegistrationID string    `bigquery:"registration_id"`
	State          string    `bigquery:"state"`
	Attempts       int64     `bigquery:"attempts"`
	LastError      string    `bigquery:"last_error"`
	CreatedTS      time.Time `bigquery:"created_ts"`
	UpdatedTS      time.Time `bigquery:"updated_ts"`
}

func (r *ScheduleRow) toDomain() *domain.Schedule {
	return &domain.Schedule{
		BankAccountID:  r.BankAccountID,
		TeamID:         r.TeamID,
		Cron:           r.Cron,
		RegistrationID: r.RegistrationID,
		State:          domain.ScheduleState(r.State),
		Attempts:       int(r.Attempts),
		LastError:      r.LastError,
		CreatedAt:      r.CreatedTS,
		UpdatedAt:      r.UpdatedTS,
	}
}

const scheduleColumns = `bank_account_id, team_id, cron, registration_id, state, attempts,
			last_error, created_ts, updated_ts`

// SaveSchedule implements store.ScheduleStore.
func (s *Store) SaveSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if schedule.BankAccountID == "" {
		return errors.New("SaveSchedule: schedule bank account ID is required")
	}
	now := time.Now().UTC()
	created, updated := schedule.CreatedAt, schedule.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	q := s.client.Query(`
		MERGE ` + s.table(schedulesTable) + ` T
		USING (SELECT @bank_account_id AS bank_account_id) S
		ON T.bank_account_id = S.bank_account_id
		WHEN MATCHED THEN
		  UPDATE SET team_id = @team_id, cron = @cron, registration_id = @registration_id,
		    state = @state, attempts = @attempts, last_error = @last_error, updated_ts = @updated_ts
		WHEN NOT MATCHED THEN
		  INSERT (` + scheduleColumns + `)
		  VALUES (@bank_account_id, @team_id, @cron, @registration_id, @state, @attempts,
		    @last_error, @created_ts, @updated_ts)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "bank_account_id", Value: schedule.BankAccountID},
		{Name: "team_id", Value: schedule.TeamID},
		{Name: "cron", Value: schedule.Cron},
		{Name: "registration_id", Value: schedule.RegistrationID},
		{Name: "state", Value: string(schedule.State)},
		{Name: "attempts", Value: schedule.Attempts},
		{Name: "last_error", Value: schedule.LastError},
		{Name: "created_ts", Value: created},
		{Name: "updated_ts", Value: updated},
	}

	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("SaveSchedule: %w", err)
	}
	return nil
}

// GetSchedule implements store.ScheduleStore.
func (s *Store) GetSchedule(ctx context.Context, bankAccountID string) (*domain.Schedule, error) {
	q := s.client.Query(`
		SELECT ` + scheduleColumns + `
		FROM ` + s.table(schedulesTable) + `
		WHERE bank_account_id = @bank_account_id
		LIMIT 1
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "bank_account_id", Value: bankAccountID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetSchedule: reading query: %w", err)
	}

	var row ScheduleRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, fmt.Errorf("GetSchedule: schedule %s: %w", bankAccountID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetSchedule: iterating: %w", err)
	}
	return row.toDomain(), nil
}

// ListSchedules implements store.ScheduleStore.
func (s *Store) ListSchedules(ctx context.Context, state domain.ScheduleState) ([]*domain.Schedule, error) {
	q := s.client.Query(`
		SELECT ` + scheduleColumns + `
		FROM ` + s.table(schedulesTable) + `
		WHERE @state = '' OR state = @state
		ORDER BY bank_account_id
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "state", Value: string(state)}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSchedules: reading query: %w", err)
	}

	var schedules []*domain.Schedule
	for {
		var row ScheduleRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListSchedules: iterating: %w", err)
		}
		schedules = append(schedules, row.toDomain())
	}
	return schedules, nil
}

// DeleteSchedule implements store.ScheduleStore.
func (s *Store) DeleteSchedule(ctx context.Context, bankAccountID string) error {
	q := s.client.Query(`DELETE FROM ` + s.table(schedulesTable) + ` WHERE bank_account_id = @bank_account_id`)
	q.Parameters = []bigquery.QueryParameter{{Name: "bank_account_id", Value: bankAccountID}}

	if _, err := s.exec(ctx, q); err != nil {
		return fmt.Errorf("DeleteSchedule: %w", err)
	}
	return nil
}

package domain

import "time"

// ScheduleState is the lifecycle state of a bank account's recurring sync.
type ScheduleState string

const (
	// ScheduleStateUnlinked means no schedule exists for the account.
	ScheduleStateUnlinked ScheduleState = "unlinked"
	// ScheduleStatePendingInitialSync means the initial sync was requested but
	// the recurring trigger is not registered yet.
	ScheduleStatePendingInitialSync ScheduleState = "pending_initial_sync"
	// ScheduleStateScheduled means the recurring trigger is registered.
	ScheduleStateScheduled ScheduleState = "scheduled"
)

// DefaultCron fires at the top of every hour.
const DefaultCron = "0 * * * *"

// Schedule binds a bank account to its recurring fetch trigger.
// There is at most one Schedule per bank account.
type Schedule struct {
	BankAccountID  string        `json:"bank_account_id"`
	TeamID         string        `json:"team_id"`
	Cron           string        `json:"cron"`
	RegistrationID string        `json:"registration_id,omitempty"`
	State          ScheduleState `json:"state"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

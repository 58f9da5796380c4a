package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mossida/midday/internal/jobs"
)

// Message is a trigger consumed by Service.Handle.
type Message interface {
	JobType() jobs.JobType
	// Key groups jobs about the same bank account.
	Key() string
}

// AccountCreated is emitted when a bank account row is inserted.
type AccountCreated struct {
	BankAccountID     string `json:"bank_account_id"`
	ExternalAccountID string `json:"external_account_id"`
	TeamID            string `json:"team_id"`
}

// InitialSyncRequested starts the first sync of a new account.
type InitialSyncRequested struct {
	BankAccountID     string `json:"bank_account_id"`
	ExternalAccountID string `json:"external_account_id"`
	TeamID            string `json:"team_id"`
}

// ScheduleFired is emitted on every firing of an account's recurring trigger.
type ScheduleFired struct {
	BankAccountID string `json:"bank_account_id"`
}

// ImportRequested asks for CSV files to be imported into an account.
type ImportRequested struct {
	ImportRequest
	TeamID string `json:"team_id"`
}

// AccountUnlinked is emitted when a bank account is removed.
type AccountUnlinked struct {
	BankAccountID string `json:"bank_account_id"`
}

func (AccountCreated) JobType() jobs.JobType       { return jobs.JobTypeAccountCreated }
func (InitialSyncRequested) JobType() jobs.JobType { return jobs.JobTypeInitialSync }
func (ScheduleFired) JobType() jobs.JobType        { return jobs.JobTypeScheduledSync }
func (ImportRequested) JobType() jobs.JobType      { return jobs.JobTypeImport }
func (AccountUnlinked) JobType() jobs.JobType      { return jobs.JobTypeAccountUnlinked }

func (m AccountCreated) Key() string       { return m.BankAccountID }
func (m InitialSyncRequested) Key() string { return m.BankAccountID }
func (m ScheduleFired) Key() string        { return m.BankAccountID }
func (m ImportRequested) Key() string      { return m.BankAccountID }
func (m AccountUnlinked) Key() string      { return m.BankAccountID }

// Dispatcher encodes messages into jobs and publishes them.
type Dispatcher struct {
	pub jobs.Publisher
}

// NewDispatcher creates a Dispatcher publishing to pub.
func NewDispatcher(pub jobs.Publisher) *Dispatcher {
	return &Dispatcher{pub: pub}
}

// Dispatch publishes msg and returns the created job.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (*jobs.Job, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("Dispatch: encoding %s: %w", msg.JobType(), err)
	}
	job := &jobs.Job{
		Type:    msg.JobType(),
		Key:     msg.Key(),
		Payload: payload,
	}
	if err := d.pub.Publish(ctx, job); err != nil {
		return nil, fmt.Errorf("Dispatch: publishing %s: %w", msg.JobType(), err)
	}
	return job, nil
}

func decode[T any](job *jobs.Job) (T, error) {
	var msg T
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return msg, fmt.Errorf("decoding %s payload: %w: %w", job.Type, jobs.ErrPermanent, err)
	}
	return msg, nil
}

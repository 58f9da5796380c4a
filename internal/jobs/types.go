package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeAccountCreated handles a newly linked bank account.
	JobTypeAccountCreated JobType = "account.created"
	// JobTypeInitialSync runs the first sync of a bank account.
	JobTypeInitialSync JobType = "transactions.initial.sync"
	// JobTypeScheduledSync runs a recurring sync of a bank account.
	JobTypeScheduledSync JobType = "transactions.scheduled.sync"
	// JobTypeImport imports CSV files into a bank account.
	JobTypeImport JobType = "transactions.import"
	// JobTypeAccountUnlinked tears down the schedule of a removed bank account.
	JobTypeAccountUnlinked JobType = "account.unlinked"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// ErrJobNotFound is returned by JobStore for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Job is one unit of asynchronous work.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`

	// Type selects the handler.
	Type JobType `json:"type"`

	// Key groups jobs about the same entity, usually a bank account ID.
	Key string `json:"key,omitempty"`

	// Payload is the JSON-encoded message.
	Payload json.RawMessage `json:"payload"`

	// Result is set by the handler on success.
	Result json.RawMessage `json:"result,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// SetResult encodes v as the job result.
func (j *Job) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.Result = data
	return nil
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// Publish enqueues a job.
	Publish(ctx context.Context, job *Job) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried,
// or an error wrapping ErrPermanent if it must not be retried.
type JobHandler func(ctx context.Context, job *Job) error

// JobStore defines the interface for storing and retrieving job status.
// This allows tracking job execution across service restarts.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs retrieves jobs with optional filtering, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// Type filters jobs by type.
	Type JobType

	// Key filters jobs by key.
	Key string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

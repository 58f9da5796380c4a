package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
)

// ErrQueueClosed is returned when publishing to a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

// QueueConfig tunes a Queue. Zero values take the defaults.
type QueueConfig struct {
	Workers     int           // concurrent handlers, default 5
	BufferSize  int           // queued jobs before Publish blocks callers outside handlers, default 100
	MaxRetries  int           // default for jobs that set none, default 3
	BaseBackoff time.Duration // first retry delay, doubled per retry, default 1s
	MaxBackoff  time.Duration // retry delay cap, default 1m
	Timeout     time.Duration // per-attempt handler timeout, 0 = none
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// Job state is persisted through the JobStore so Requeue can resume work
// after a restart when the store is durable.
type Queue struct {
	cfg       QueueConfig
	jobChan   chan *jobs.Job
	closeChan chan struct{}
	wg        sync.WaitGroup
	overflow  sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool
	timers    map[*time.Timer]struct{}
}

// NewQueue creates a new in-memory job queue.
func NewQueue(cfg QueueConfig, store jobs.JobStore) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:       cfg,
		jobChan:   make(chan *jobs.Job, cfg.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// handlerKey marks contexts passed to job handlers.
type handlerKey struct{}

// Publish implements the Publisher interface. When the buffer is full it
// blocks until a worker frees a slot, except for jobs published from inside
// a handler: those are handed to a goroutine so a worker never waits on its
// own queue.
func (q *Queue) Publish(ctx context.Context, job *jobs.Job) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrQueueClosed
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	default:
	}

	if ctx.Value(handlerKey{}) != nil {
		q.enqueueLater(job)
		return nil
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrQueueClosed
	}
}

// enqueueLater sends job once the buffer has room. A job still waiting when
// the queue stops stays pending in the store for Requeue.
func (q *Queue) enqueueLater(job *jobs.Job) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return
	}
	q.overflow.Add(1)
	q.mu.RUnlock()

	go func() {
		defer q.overflow.Done()
		select {
		case q.jobChan <- job:
		case <-q.closeChan:
		}
	}()
}

// Requeue publishes every stored job left pending, retrying or running by a
// previous process.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	n := 0
	for _, status := range []jobs.JobStatus{jobs.JobStatusPending, jobs.JobStatusRetrying, jobs.JobStatusRunning} {
		stale, err := q.store.ListJobs(ctx, jobs.JobFilter{Status: status})
		if err != nil {
			return n, fmt.Errorf("Requeue: listing %s jobs: %w", status, err)
		}
		for _, job := range stale {
			job.Status = jobs.JobStatusPending
			job.StartedAt = nil
			job.CompletedAt = nil
			if err := q.Publish(ctx, job); err != nil {
				return n, fmt.Errorf("Requeue: %s: %w", job.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// Start implements the Consumer interface.
// It starts Workers goroutines that call handler for each job.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	return nil
}

// worker processes jobs from the queue.
func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}

			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job attempt and schedules a retry on failure.
func (q *Queue) processJob(ctx context.Context, job *jobs.Job, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Int("attempt", job.RetryCount+1).
		Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	job.CompletedAt = nil

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			log.Error().Err(err).Msg("failed to save running job")
		}
	}

	runCtx := context.WithValue(logger.WithContext(ctx, log), handlerKey{}, true)
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, q.cfg.Timeout)
		defer cancel()
	}

	err := handler(runCtx, job)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Msg("job completed")

	case errors.Is(err, jobs.ErrPermanent) || job.RetryCount >= job.MaxRetries:
		job.Status = jobs.JobStatusFailed
		job.Error = err.Error()
		log.Error().Err(err).Msg("job failed")

	default:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		backoff := q.backoff(job.RetryCount)
		log.Warn().Err(err).Dur("backoff", backoff).Msg("job failed, retrying")
		q.retryAfter(ctx, job, backoff)
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			log.Error().Err(err).Msg("failed to save job result")
		}
	}
}

// backoff returns BaseBackoff doubled per retry, capped at MaxBackoff.
func (q *Queue) backoff(retry int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return d
}

func (q *Queue) retryAfter(ctx context.Context, job *jobs.Job, d time.Duration) {
	retry := *job

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()

		retry.Status = jobs.JobStatusPending
		retry.StartedAt = nil
		retry.CompletedAt = nil
		if err := q.Publish(ctx, &retry); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("job_id", retry.ID).Msg("failed to requeue job")
		}
	})
	q.timers[t] = struct{}{}
}

// Stop implements the Consumer interface.
// It stops the queue, cancels pending retries and waits for in-flight jobs.
// Jobs with a cancelled retry stay in the store with status retrying.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.overflow.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
// It closes the queue and releases resources.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

// Ensure Queue implements both Publisher and Consumer interfaces.
var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)

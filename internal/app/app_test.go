package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossida/midday/internal/config"
	"github.com/mossida/midday/internal/domain"
	memstore "github.com/mossida/midday/internal/infra/inmemory"
	"github.com/mossida/midday/internal/infra/postgres"
	"github.com/mossida/midday/internal/jobs"
	"github.com/mossida/midday/internal/logger"
	"github.com/mossida/midday/internal/workflow"
)

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Files.Dir = t.TempDir()
	cfg.Jobs.Workers = 2

	a, err := New(context.Background(), cfg, logger.NewWithWriter(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_Memory(t *testing.T) {
	a := newMemoryApp(t)

	assert.IsType(t, &memstore.Store{}, a.Store)
	assert.Nil(t, a.listener)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_InvalidConvention(t *testing.T) {
	cfg := config.Default()
	cfg.Import.Convention = "roman"
	_, err := New(context.Background(), cfg, logger.NewWithWriter(io.Discard))
	assert.Error(t, err)
}

func TestOnAccountEvent(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()

	require.NoError(t, a.onAccountEvent(ctx, postgres.AccountEvent{
		Channel:           postgres.ChannelBankAccountCreated,
		BankAccountID:     "acc-1",
		TeamID:            "team-1",
		ExternalAccountID: "ext-1",
	}))
	require.NoError(t, a.onAccountEvent(ctx, postgres.AccountEvent{
		Channel:       postgres.ChannelBankAccountDeleted,
		BankAccountID: "acc-1",
	}))
	assert.Error(t, a.onAccountEvent(ctx, postgres.AccountEvent{Channel: "other"}))

	created, err := a.JobStore.ListJobs(ctx, jobs.JobFilter{Type: jobs.JobTypeAccountCreated, Key: "acc-1"})
	require.NoError(t, err)
	assert.Len(t, created, 1)

	unlinked, err := a.JobStore.ListJobs(ctx, jobs.JobFilter{Type: jobs.JobTypeAccountUnlinked, Key: "acc-1"})
	require.NoError(t, err)
	assert.Len(t, unlinked, 1)
}

func TestFire(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()

	a.fire(ctx, "acc-1")

	fired, err := a.JobStore.ListJobs(ctx, jobs.JobFilter{Type: jobs.JobTypeScheduledSync})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "acc-1", fired[0].Key)
}

func TestRunWorker_SchedulesLinkedAccount(t *testing.T) {
	a := newMemoryApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunWorker(ctx) }()

	_, err := a.Service.LinkAccount(ctx, workflow.LinkAccountRequest{
		ID:                "acc-1",
		TeamID:            "team-1",
		ExternalAccountID: "ext-1",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		sched, err := a.Service.Schedule(context.Background(), "acc-1")
		return err == nil && sched.State == domain.ScheduleStateScheduled
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, a.Registry.Registered("acc-1"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunWorker_SingleWorkerSmallBuffer(t *testing.T) {
	cfg := config.Default()
	cfg.Files.Dir = t.TempDir()
	cfg.Jobs.Workers = 1
	cfg.Jobs.BufferSize = 1

	a, err := New(context.Background(), cfg, logger.NewWithWriter(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunWorker(ctx) }()

	ids := []string{"a1", "a2", "a3"}
	for _, id := range ids {
		linkCtx, linkCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := a.Service.LinkAccount(linkCtx, workflow.LinkAccountRequest{
			ID:                id,
			TeamID:            "team-1",
			ExternalAccountID: "ext-" + id,
		})
		linkCancel()
		require.NoError(t, err, id)
	}

	for _, id := range ids {
		assert.Eventually(t, func() bool {
			sched, err := a.Service.Schedule(context.Background(), id)
			return err == nil && sched.State == domain.ScheduleStateScheduled
		}, 5*time.Second, 10*time.Millisecond, id)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

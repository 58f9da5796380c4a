package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossida/midday/internal/migrate"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "status"}, names)

	for _, flag := range []string{"config", "backend", "applied-by"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRun_BackendWithoutMigrations(t *testing.T) {
	called := false
	err := run(context.Background(), &options{backend: "memory"}, func(context.Context, migrate.Target, []migrate.Migration) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `backend "memory" has no migrations`)
	assert.False(t, called)
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)
	entries := []migrate.StatusEntry{
		{
			Migration: migrate.Migration{Version: 1, Name: "init"},
			Applied:   &migrate.AppliedMigration{Version: 1, AppliedAt: at, AppliedBy: "ci"},
		},
		{
			Migration: migrate.Migration{Version: 2, Name: "schedules_jobs"},
			Applied:   &migrate.AppliedMigration{Version: 2, AppliedAt: at, AppliedBy: "ci"},
			Modified:  true,
		},
		{Migration: migrate.Migration{Version: 3, Name: "bank_account_events"}},
	}

	var buf bytes.Buffer
	printStatus(&buf, entries)

	out := buf.String()
	assert.Contains(t, out, "[APPLIED]  0001_init (applied 2024-03-15 10:00:00 by ci)")
	assert.Contains(t, out, "[MODIFIED] 0002_schedules_jobs")
	assert.Contains(t, out, "[PENDING]  0003_bank_account_events")
}

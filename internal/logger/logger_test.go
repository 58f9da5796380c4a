package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	log := New()
	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected logger to be enabled")
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Str("bank_account_id", "acc-1").Msg("sync started")

	output := buf.String()
	if !strings.Contains(output, "sync started") {
		t.Errorf("Expected output to contain 'sync started', got: %s", output)
	}
	if !strings.Contains(output, `"bank_account_id":"acc-1"`) {
		t.Errorf("Expected JSON field in output, got: %s", output)
	}
}

func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := NewWithConfig(tt.level, "json")
			if log.GetLevel() != tt.want {
				t.Errorf("NewWithConfig(%q) level = %v, want %v", tt.level, log.GetLevel(), tt.want)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	testLog := NewWithWriter(buf)
	ctx := WithContext(context.Background(), testLog)

	retrievedLog := FromContext(ctx)
	retrievedLog.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	log := FromContext(context.Background())

	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected default logger to be enabled")
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	logWithFields := WithFields(log, map[string]interface{}{
		"team_id": "team-9",
		"job_id":  "job-1",
	})
	logWithFields.Info().Msg("test message")

	output := buf.String()
	if !strings.Contains(output, "team-9") || !strings.Contains(output, "job-1") {
		t.Errorf("Expected output to contain fields, got: %s", output)
	}
}

func TestForAccount(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	ctx, log := ForAccount(ctx, "team-1", "acc-1")
	log.Info().Msg("scoped")
	scoped := FromContext(ctx)
	scoped.Info().Msg("from context")

	output := buf.String()
	if strings.Count(output, `"bank_account_id":"acc-1"`) != 2 {
		t.Errorf("Expected account field on both entries, got: %s", output)
	}
	if strings.Count(output, `"team_id":"team-1"`) != 2 {
		t.Errorf("Expected team field on both entries, got: %s", output)
	}
}

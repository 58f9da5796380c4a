// Package config loads the service configuration from a YAML file, a .env
// file and the process environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mossida/midday/internal/domain"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBigQuery = "bigquery"
)

// File source backends.
const (
	FilesLocal = "local"
	FilesGCS   = "gcs"
)

// Config is the top-level service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Files    FilesConfig    `yaml:"files"`
	Provider ProviderConfig `yaml:"provider"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Import   ImportConfig   `yaml:"import"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	BigQuery BigQueryConfig `yaml:"bigquery"`
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url"`
	MaxConns    int32  `yaml:"max_conns"`
	// ListenAccountEvents consumes bank_account_created/deleted notifications
	// raised by table triggers instead of emitting events from the API.
	ListenAccountEvents bool `yaml:"listen_account_events"`
}

// BigQueryConfig points at the dataset holding the workflow tables.
type BigQueryConfig struct {
	ProjectID string `yaml:"project_id"`
	Dataset   string `yaml:"dataset"`
}

// FilesConfig selects where import file references resolve.
type FilesConfig struct {
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
	Dir     string `yaml:"dir"`
}

// ProviderConfig configures the banking-data provider client.
type ProviderConfig struct {
	GoCardless GoCardlessConfig `yaml:"gocardless"`
}

// GoCardlessConfig holds GoCardless Bank Account Data credentials.
type GoCardlessConfig struct {
	BaseURL           string        `yaml:"base_url"`
	SecretID          string        `yaml:"secret_id"`
	SecretKey         string        `yaml:"secret_key"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

// JobsConfig tunes the job queue.
type JobsConfig struct {
	Workers     int           `yaml:"workers"`
	BufferSize  int           `yaml:"buffer_size"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ScheduleConfig controls recurring sync registration.
type ScheduleConfig struct {
	Cron           string        `yaml:"cron"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ImportConfig holds import defaults.
type ImportConfig struct {
	Convention   string `yaml:"convention"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
}

// Default returns a Config that runs fully in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{
			Backend:  BackendMemory,
			Postgres: PostgresConfig{MaxConns: 10},
			BigQuery: BigQueryConfig{Dataset: "midday"},
		},
		Files: FilesConfig{Backend: FilesLocal, Dir: "imports"},
		Provider: ProviderConfig{
			GoCardless: GoCardlessConfig{
				BaseURL:           "https://bankaccountdata.gocardless.com",
				RequestsPerSecond: 2,
				Timeout:           30 * time.Second,
			},
		},
		Jobs: JobsConfig{
			Workers:     5,
			BufferSize:  100,
			MaxRetries:  3,
			BaseBackoff: time.Second,
			Timeout:     5 * time.Minute,
		},
		Schedule: ScheduleConfig{
			Cron:           domain.DefaultCron,
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Import: ImportConfig{
			Convention:  "auto",
			GeminiModel: "gemini-2.5-flash",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Store.Backend, "STORE_BACKEND")
	setString(&c.Store.Postgres.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.BigQuery.ProjectID, "BIGQUERY_PROJECT")
	setString(&c.Store.BigQuery.Dataset, "BIGQUERY_DATASET")
	setString(&c.Files.Backend, "FILES_BACKEND")
	setString(&c.Files.Bucket, "GCS_BUCKET")
	setString(&c.Files.Dir, "IMPORT_DIR")
	setString(&c.Provider.GoCardless.BaseURL, "GOCARDLESS_BASE_URL")
	setString(&c.Provider.GoCardless.SecretID, "GOCARDLESS_SECRET_ID")
	setString(&c.Provider.GoCardless.SecretKey, "GOCARDLESS_SECRET_KEY")
	setString(&c.Schedule.Cron, "SYNC_CRON")
	setString(&c.Import.GeminiAPIKey, "GEMINI_API_KEY")

	if v, ok := os.LookupEnv("JOB_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing JOB_WORKERS: %w", err)
		}
		c.Jobs.Workers = n
	}
	if v, ok := os.LookupEnv("LISTEN_ACCOUNT_EVENTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing LISTEN_ACCOUNT_EVENTS: %w", err)
		}
		c.Store.Postgres.ListenAccountEvents = b
	}
	return nil
}

// Validate checks cross-field requirements of the selected backends.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DatabaseURL == "" {
			errs = append(errs, errors.New("store.postgres.database_url is required for the postgres backend"))
		}
	case BackendBigQuery:
		if c.Store.BigQuery.ProjectID == "" {
			errs = append(errs, errors.New("store.bigquery.project_id is required for the bigquery backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Files.Backend {
	case FilesLocal:
	case FilesGCS:
		if c.Files.Bucket == "" {
			errs = append(errs, errors.New("files.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown files backend %q", c.Files.Backend))
	}

	if c.Jobs.Workers < 1 {
		errs = append(errs, errors.New("jobs.workers must be at least 1"))
	}
	if c.Schedule.MaxAttempts < 1 {
		errs = append(errs, errors.New("schedule.max_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = v
	}
}

// Package migrate applies versioned SQL files to a database and records them
// in a schema_migrations table.
package migrate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mossida/midday/internal/logger"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Target is a database migrations are applied to.
type Target interface {
	// EnsureTable creates the schema_migrations table if it doesn't exist.
	EnsureTable(ctx context.Context) error

	// Applied lists applied migrations ordered by version.
	Applied(ctx context.Context) ([]AppliedMigration, error)

	// Apply executes m and records it.
	Apply(ctx context.Context, m Migration, appliedBy string) error
}

// filenamePattern matches migration files: 0001_name.sql
var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// ParseFilename extracts the version and name of a migration file.
func ParseFilename(filename string) (version int, name string, ok bool) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

// Load reads the migrations in the root of fsys, sorted by version. Every
// {{KEY}} placeholder is replaced from vars. The checksum is computed on the
// file content before replacement, so it tracks the migration itself rather
// than where it is applied.
func Load(ctx context.Context, fsys fs.FS, vars map[string]string) ([]Migration, error) {
	log := logger.FromContext(ctx)

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		version, name, ok := ParseFilename(entry.Name())
		if !ok {
			log.Warn().Str("file", entry.Name()).Msg("skipping file with invalid migration name")
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", entry.Name(), err)
		}

		sql := string(content)
		for k, v := range vars {
			sql = strings.ReplaceAll(sql, "{{"+k+"}}", v)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// StatusEntry pairs a migration with its applied record, if any.
type StatusEntry struct {
	Migration Migration
	Applied   *AppliedMigration
	// Modified is set when the applied checksum differs from the file.
	Modified bool
}

// Status compares migrations with what target has applied.
func Status(ctx context.Context, target Target, migrations []Migration) ([]StatusEntry, error) {
	if err := target.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensuring schema_migrations table: %w", err)
	}
	applied, err := target.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting applied migrations: %w", err)
	}

	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	entries := make([]StatusEntry, 0, len(migrations))
	for _, m := range migrations {
		e := StatusEntry{Migration: m}
		if am, ok := byVersion[m.Version]; ok {
			e.Applied = &am
			e.Modified = am.Checksum != "" && am.Checksum != m.Checksum
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Up applies pending migrations in version order and returns how many ran.
func Up(ctx context.Context, target Target, migrations []Migration, appliedBy string) (int, error) {
	log := logger.FromContext(ctx)

	entries, err := Status(ctx, target, migrations)
	if err != nil {
		return 0, err
	}

	appliedCount := 0
	for _, e := range entries {
		m := e.Migration
		if e.Applied != nil {
			if e.Modified {
				log.Warn().Int("version", m.Version).Str("name", m.Name).Msg("applied migration was modified")
			}
			log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("already applied")
			continue
		}

		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")
		if err := target.Apply(ctx, m, appliedBy); err != nil {
			return appliedCount, fmt.Errorf("applying migration %04d_%s: %w", m.Version, m.Name, err)
		}
		appliedCount++
	}
	return appliedCount, nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

const createWeekSchedules = `CREATE TABLE IF NOT EXISTS week_schedules (
	direction TEXT NOT NULL,
	weekday INTEGER NOT NULL,
	json TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (direction, weekday)
)`

const upsertWeekSchedule = `INSERT INTO week_schedules (direction, weekday, json, updated_at)
VALUES (%s, %s, %s, %s)
ON CONFLICT (direction, weekday) DO UPDATE SET json = excluded.json, updated_at = excluded.updated_at`

// SQLProvider implements Database on a SQL database. Both sqlite and
// postgres accept the same statements apart from placeholders.
type SQLProvider struct {
	db     *sql.DB
	driver string
	dsn    string
}

// NewSQLite returns a provider backed by the sqlite file at path.
func NewSQLite(path string) *SQLProvider {
	return &SQLProvider{driver: "sqlite", dsn: path}
}

// NewPostgres returns a provider backed by the postgres database at dsn.
func NewPostgres(dsn string) *SQLProvider {
	return &SQLProvider{driver: "pgx", dsn: dsn}
}

func configuredSQLite() *SQLProvider {
	path := lflag.String("sqlite-path", "agile-powerwall.db", "Path of the sqlite database file")

	s := NewSQLite("")
	lflag.Do(func() {
		s.dsn = *path
	})
	return s
}

func configuredPostgres() *SQLProvider {
	dsn := lflag.String("postgres-dsn", "", "Postgres connection string")

	s := NewPostgres("")
	lflag.Do(func() {
		s.dsn = *dsn
	})
	return s
}

// Init opens the database and creates the table if needed.
// This must be called before using the provider methods.
func (s *SQLProvider) Init(ctx context.Context) error {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", s.driver, err)
	}
	if s.driver == "sqlite" {
		// sqlite only allows a single writer
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, createWeekSchedules); err != nil {
		db.Close()
		return fmt.Errorf("failed to create week_schedules table: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLProvider) placeholders(n int) []any {
	out := make([]any, n)
	for i := range out {
		if s.driver == "pgx" {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

// Close closes the database connection.
func (s *SQLProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetWeekSchedules implements Database.
func (s *SQLProvider) GetWeekSchedules(ctx context.Context) (types.WeekRecord, error) {
	var week types.WeekRecord
	rows, err := s.db.QueryContext(ctx, `SELECT direction, weekday, json FROM week_schedules`)
	if err != nil {
		return week, fmt.Errorf("failed to query week_schedules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			direction string
			weekday   int
			raw       string
		)
		if err := rows.Scan(&direction, &weekday, &raw); err != nil {
			return week, fmt.Errorf("failed to scan week_schedules: %w", err)
		}
		dir, err := types.ParseDirection(direction)
		if err != nil || weekday < 0 || weekday >= len(week.Import) {
			log.Ctx(ctx).WarnContext(ctx, "ignoring unknown week_schedules row", slog.String("direction", direction), slog.Int("weekday", weekday))
			continue
		}
		bands, err := decodeDay(raw)
		if err != nil {
			return week, fmt.Errorf("%s: %w", dayKey(dir, weekday), err)
		}
		week.SetDay(dir, weekday, bands)
	}
	return week, rows.Err()
}

// SetWeekSchedules implements Database. Every weekday of both directions is
// written in one transaction.
func (s *SQLProvider) SetWeekSchedules(ctx context.Context, week types.WeekRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(upsertWeekSchedule, s.placeholders(4)...)
	now := time.Now().Unix()
	for _, dir := range types.Directions {
		for weekday := range len(week.Import) {
			raw, err := encodeDay(week.Day(dir, weekday))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, stmt, string(dir), weekday, raw, now); err != nil {
				return fmt.Errorf("failed to save %s: %w", dayKey(dir, weekday), err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit week_schedules: %w", err)
	}
	return nil
}

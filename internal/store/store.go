// Package store persists call lifecycle rows and per-chunk pipeline results
// to Postgres. Writes go through an async writer so the call path never
// blocks on the database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the Postgres connection.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and applies embedded migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	entries, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(entries)
	for _, name := range entries {
		ddl, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		slog.Debug("applied migration", "file", name)
	}
	return nil
}

func (s *Store) upsertCall(ctx context.Context, row callRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, caller_id, city, region, country, state, reason, last_risk, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			last_risk = EXCLUDED.last_risk,
			ended_at = EXCLUDED.ended_at`,
		row.ID, row.CallerID, row.City, row.Region, row.Country,
		row.State, row.Reason, row.LastRisk, row.StartedAt, row.EndedAt)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", row.ID, err)
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, row chunkRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recording_chunks (call_id, seq, status, transcript, risk)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, seq) DO UPDATE SET
			status = EXCLUDED.status,
			transcript = EXCLUDED.transcript,
			risk = EXCLUDED.risk`,
		row.CallID, row.Seq, row.Status, row.Transcript, row.Risk)
	if err != nil {
		return fmt.Errorf("insert chunk %s/%d: %w", row.CallID, row.Seq, err)
	}
	return nil
}

type callRow struct {
	ID        string
	CallerID  string
	City      string
	Region    string
	Country   string
	State     string
	Reason    string
	LastRisk  float64
	StartedAt time.Time
	EndedAt   sql.NullTime
}

type chunkRow struct {
	CallID     string
	Seq        int
	Status     string
	Transcript string
	Risk       float64
}

// Package history persists the outcomes of finished work items in
// PostgreSQL. Only outcomes are recorded; queue state is never persisted.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"convoy/internal/models"
	"convoy/internal/scheduler"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_requests (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	item_id UUID NOT NULL UNIQUE,
	request_id TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	duration_ms BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store implements the scheduler.Recorder interface using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore opens a connection pool against the given DSN and ensures the
// processed_requests table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("history DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse history DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping history database: %w", err)
	}

	if _, err := dbpool.Exec(ctx, schema); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ensure history schema: %w", err)
	}

	return &Store{db: dbpool}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// RecordOutcome inserts a row for a finished work item. Recording the same
// item twice is harmless.
func (s *Store) RecordOutcome(ctx context.Context, item *models.WorkItem) error {
	query := `
		INSERT INTO processed_requests (item_id, request_id, status, error, started_at, ended_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (item_id) DO NOTHING`

	var errMsg *string
	if item.Error != "" {
		errMsg = &item.Error
	}
	var durationMS *int64
	if item.StartedAt != nil && item.EndedAt != nil {
		d := item.Duration().Milliseconds()
		durationMS = &d
	}

	_, err := s.db.Exec(ctx, query,
		item.ID,
		item.RequestID,
		item.Status,
		errMsg,
		item.StartedAt,
		item.EndedAt,
		durationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for item %s: %w", item.ID, err)
	}
	return nil
}

// ListOutcomes returns recorded outcomes, most recent first.
func (s *Store) ListOutcomes(ctx context.Context, limit, offset int) ([]*models.RequestRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, item_id, request_id, status, error, started_at, ended_at, duration_ms, created_at
		FROM processed_requests
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var records []*models.RequestRecord
	for rows.Next() {
		var rec models.RequestRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.ItemID,
			&rec.RequestID,
			&rec.Status,
			&rec.Error,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.DurationMS,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading outcome rows: %w", err)
	}
	return records, nil
}

// Ensure Store implements the recorder interface.
var _ scheduler.Recorder = (*Store)(nil)

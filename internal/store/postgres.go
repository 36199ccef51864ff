package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session lifecycles in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS simulation_sessions (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			duration_seconds INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			end_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_created ON session_events (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO simulation_sessions (id, station_id, status, duration_seconds, started_at, ended_at, end_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			station_id = EXCLUDED.station_id,
			status = EXCLUDED.status,
			duration_seconds = EXCLUDED.duration_seconds,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason`,
		record.ID,
		record.StationID,
		record.Status,
		record.DurationSeconds,
		record.StartedAt,
		record.EndedAt,
		record.EndReason,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, station_id, status, duration_seconds, started_at, ended_at, end_reason, created_at
		 FROM simulation_sessions WHERE id=$1`,
		id,
	)
	var record SessionRecord
	err := row.Scan(
		&record.ID,
		&record.StationID,
		&record.Status,
		&record.DurationSeconds,
		&record.StartedAt,
		&record.EndedAt,
		&record.EndReason,
		&record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) MarkStarted(ctx context.Context, id string, durationSeconds int, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_sessions SET status=$2, duration_seconds=$3, started_at=$4 WHERE id=$1`,
		id, StatusActive, durationSeconds, startedAt,
	)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEnded(ctx context.Context, id string, reason string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_sessions SET status=$2, end_reason=$3, ended_at=$4 WHERE id=$1`,
		id, StatusEnded, reason, endedAt,
	)
	if err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, record EventRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (id, session_id, user_id, type, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ID,
		record.SessionID,
		record.UserID,
		record.Type,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, sessionID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, type, created_at
		 FROM session_events WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	items := make([]EventRecord, 0, limit)
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.Type, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

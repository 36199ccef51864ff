package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id has no record.
var ErrNotFound = errors.New("session record not found")

// SessionRecord is the hub's durable view of one simulation session.
type SessionRecord struct {
	ID              string     `json:"id"`
	StationID       string     `json:"station_id,omitempty"`
	Status          string     `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Session lifecycle statuses as persisted.
const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

// EventRecord is one audit entry: a wire event a participant sent or the
// hub emitted for a session.
type EventRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session lifecycles and their audit trail.
type Store interface {
	UpsertSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	MarkStarted(ctx context.Context, id string, durationSeconds int, startedAt time.Time) error
	MarkEnded(ctx context.Context, id string, reason string, endedAt time.Time) error
	RecordEvent(ctx context.Context, record EventRecord) error
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]EventRecord, error)
	Close() error
}

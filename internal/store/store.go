// Package store persists supervised session records, their lifecycle
// domain events and chat history.
package store

import (
	"context"
	"time"
)

// Session record statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Domain event types.
const (
	EventSessionStarted = "session:started"
	EventSessionEnded   = "session:ended"
)

// Record is the persisted view of a session.
type Record struct {
	ID        string         `json:"id"`
	User      string         `json:"user,omitempty"`
	Cwd       string         `json:"cwd"`
	Hostname  string         `json:"hostname,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	EndReason string         `json:"endReason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event is a lifecycle domain event attached to a session.
type Event struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId"`
	Timestamp time.Time     `json:"timestamp"`
	Cwd       string        `json:"cwd,omitempty"`
	Hostname  string        `json:"hostname,omitempty"`
	Platform  string        `json:"platform,omitempty"`
	User      string        `json:"user,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// ChatMessage is one aggregated conversation turn.
type ChatMessage struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	MessageType string         `json:"messageType"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store is implemented by every backend in this package.
type Store interface {
	SetSession(ctx context.Context, rec Record) error
	// GetSession returns nil, nil when no record exists.
	GetSession(ctx context.Context, id string) (*Record, error)
	AddEvent(ctx context.Context, sessionID string, ev Event) error
	Events(ctx context.Context, sessionID string) ([]Event, error)
	AddChatMessage(ctx context.Context, sessionID string, msg ChatMessage) error
	ChatHistory(ctx context.Context, sessionID string) ([]ChatMessage, error)
	Close() error
}

func cloneRecord(rec Record) Record {
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		rec.EndedAt = &t
	}
	if rec.Metadata != nil {
		md := make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	return rec
}

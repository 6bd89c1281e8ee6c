package session

import (
	"context"

	"cli-supervisor/internal/store"
)

// Broadcaster fans session events out to observers. Broadcast is called
// from the process I/O goroutines and must not block.
type Broadcaster interface {
	Broadcast(sessionID string, ev Event)
}

// BroadcastFunc adapts a plain function to Broadcaster.
type BroadcastFunc func(sessionID string, ev Event)

func (f BroadcastFunc) Broadcast(sessionID string, ev Event) { f(sessionID, ev) }

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, Event) {}

// Store is the persistence the supervisor writes session records and
// lifecycle events to. Every error is logged and otherwise ignored.
type Store interface {
	SetSession(ctx context.Context, rec store.Record) error
	GetSession(ctx context.Context, id string) (*store.Record, error)
	AddEvent(ctx context.Context, sessionID string, ev store.Event) error
}

// ChatStore is implemented by stores that also keep chat history.
type ChatStore interface {
	AddChatMessage(ctx context.Context, sessionID string, msg store.ChatMessage) error
}

type noopStore struct{}

func (noopStore) SetSession(context.Context, store.Record) error { return nil }

func (noopStore) GetSession(context.Context, string) (*store.Record, error) { return nil, nil }

func (noopStore) AddEvent(context.Context, string, store.Event) error { return nil }

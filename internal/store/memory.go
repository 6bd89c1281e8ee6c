package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps everything in process memory. Data is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Record
	events   map[string][]Event
	chat     map[string][]ChatMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Record),
		events:   make(map[string][]Event),
		chat:     make(map[string][]ChatMessage),
	}
}

func (m *Memory) SetSession(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *Memory) AddEvent(_ context.Context, sessionID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[sessionID] = append(m.events[sessionID], ev)
	return nil
}

func (m *Memory) Events(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events[sessionID]))
	copy(out, m.events[sessionID])
	return out, nil
}

func (m *Memory) AddChatMessage(_ context.Context, sessionID string, msg ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat[sessionID] = append(m.chat[sessionID], msg)
	return nil
}

func (m *Memory) ChatHistory(_ context.Context, sessionID string) ([]ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChatMessage, len(m.chat[sessionID]))
	copy(out, m.chat[sessionID])
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zsprackett/agent-relay/internal/events"
)

// Memory is a map-backed Provider. Nothing survives the process.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Metadata
	events   map[string][]events.Event
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Metadata),
		events:   make(map[string][]events.Event),
	}
}

func (m *Memory) Kind() Kind       { return KindMemory }
func (m *Memory) Location() string { return "" }

func (m *Memory) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) CreateSession(ctx context.Context, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}
	m.sessions[meta.ID] = cloneMeta(meta)
	return nil
}

func (m *Memory) UpdateSessionMetadata(ctx context.Context, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.sessions[meta.ID]
	if !ok {
		return ErrNotFound
	}
	meta.CreatedAt = cur.CreatedAt
	meta.UpdatedAt = time.Now().UTC()
	m.sessions[meta.ID] = cloneMeta(meta)
	return nil
}

func (m *Memory) GetSessionMetadata(ctx context.Context, id string) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	meta, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMeta(meta)
	return &out, nil
}

func (m *Memory) ListSessions(ctx context.Context) ([]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Metadata, 0, len(m.sessions))
	for _, meta := range m.sessions {
		out = append(out, cloneMeta(meta))
	}
	sortByUpdated(out)
	return out, nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) GetSessionEvents(ctx context.Context, id string) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]events.Event(nil), m.events[id]...), nil
}

func (m *Memory) SaveEvent(ctx context.Context, id string, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	meta, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	m.events[id] = append(m.events[id], ev)
	meta.UpdatedAt = time.Now().UTC()
	m.sessions[id] = meta
	return nil
}

// sortByUpdated orders most recently updated first.
func sortByUpdated(list []Metadata) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

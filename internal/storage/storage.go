// Package storage persists session metadata and event logs behind a
// pluggable Provider.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zsprackett/agent-relay/internal/events"
)

var (
	// ErrNotFound is returned when a session id is absent from storage.
	ErrNotFound = errors.New("session not found in storage")
	// ErrUnavailable wraps failures to reach the storage location.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrClosed is returned by operations on a closed provider.
	ErrClosed = errors.New("storage closed")
)

// Kind identifies a storage backend.
type Kind int

const (
	KindNone Kind = iota
	KindMemory
	KindFile
	KindSQLite
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMemory:
		return "memory"
	case KindFile:
		return "file"
	case KindSQLite:
		return "sqlite"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configured storage type to a Kind. The empty string and
// "none" select no persistence.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return KindNone, nil
	case "memory":
		return KindMemory, nil
	case "file", "json":
		return KindFile, nil
	case "sqlite", "database", "db":
		return KindSQLite, nil
	}
	return KindNone, fmt.Errorf("unknown storage type %q", s)
}

// ValidID rejects session ids that are unsafe as a single path element.
func ValidID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// Metadata describes a persisted session.
type Metadata struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Name             string    `json:"name,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
}

// Provider is a persistence backend. Implementations are safe for concurrent
// use and keep their own consistency.
type Provider interface {
	Kind() Kind
	// Location is the path the provider writes to, or "" for in-process stores.
	Location() string
	// Initialize prepares the backing store. Failures wrap ErrUnavailable.
	Initialize(ctx context.Context) error
	// Close releases resources. It is safe to call without a successful
	// Initialize, and more than once.
	Close() error

	CreateSession(ctx context.Context, meta Metadata) error
	UpdateSessionMetadata(ctx context.Context, meta Metadata) error
	GetSessionMetadata(ctx context.Context, id string) (*Metadata, error)
	ListSessions(ctx context.Context) ([]Metadata, error)
	DeleteSession(ctx context.Context, id string) error
	GetSessionEvents(ctx context.Context, id string) ([]events.Event, error)
	SaveEvent(ctx context.Context, id string, ev events.Event) error
}

func cloneMeta(m Metadata) Metadata {
	if m.Tags != nil {
		m.Tags = append([]string(nil), m.Tags...)
	}
	return m
}

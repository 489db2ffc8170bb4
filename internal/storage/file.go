package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zsprackett/agent-relay/internal/events"
)

const (
	maxEventLine = 16 << 20

	// indexFlushInterval bounds how stale updated-at stamps in index.json
	// can be after a crash.
	indexFlushInterval = 5 * time.Second
)

// File stores the session index in sessions/index.json and each session's
// events in sessions/<id>/events.jsonl under a root directory.
type File struct {
	root string

	mu      sync.Mutex
	index   map[string]Metadata
	dirty   bool
	flushed time.Time
	ready   bool
	closed  bool

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewFile(root string) *File {
	return &File{
		root:  root,
		index: make(map[string]Metadata),
		locks: make(map[string]*sync.Mutex),
	}
}

func (f *File) Kind() Kind       { return KindFile }
func (f *File) Location() string { return f.root }

func (f *File) sessionsDir() string { return filepath.Join(f.root, "sessions") }
func (f *File) indexPath() string   { return filepath.Join(f.sessionsDir(), "index.json") }
func (f *File) eventsPath(id string) string {
	return filepath.Join(f.sessionsDir(), id, "events.jsonl")
}

// Initialize creates the directory layout and loads the index.
func (f *File) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready && !f.closed {
		return nil
	}
	if err := os.MkdirAll(f.sessionsDir(), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	data, err := os.ReadFile(f.indexPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("%w: read index: %v", ErrUnavailable, err)
	default:
		var list []Metadata
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("%w: parse index: %v", ErrUnavailable, err)
		}
		for _, m := range list {
			f.index[m.ID] = m
		}
	}
	f.ready = true
	f.closed = false
	return nil
}

// Close flushes updated-at stamps not yet written to the index.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready || f.closed {
		return nil
	}
	f.closed = true
	if f.dirty {
		return f.writeIndexLocked()
	}
	return nil
}

func (f *File) checkLocked() error {
	if f.closed {
		return ErrClosed
	}
	if !f.ready {
		return fmt.Errorf("%w: not initialized", ErrUnavailable)
	}
	return nil
}

// writeIndexLocked rewrites index.json via temp file + rename.
func (f *File) writeIndexLocked() error {
	list := make([]Metadata, 0, len(f.index))
	for _, m := range f.index {
		list = append(list, m)
	}
	sortByUpdated(list)
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp := f.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, f.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	f.dirty = false
	f.flushed = time.Now()
	return nil
}

func (f *File) lockFor(id string) *sync.Mutex {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	if l, ok := f.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	f.locks[id] = l
	return l
}

func (f *File) CreateSession(ctx context.Context, meta Metadata) error {
	if err := ValidID(meta.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.eventsPath(meta.ID)), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}
	f.index[meta.ID] = cloneMeta(meta)
	return f.writeIndexLocked()
}

func (f *File) UpdateSessionMetadata(ctx context.Context, meta Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	cur, ok := f.index[meta.ID]
	if !ok {
		return ErrNotFound
	}
	meta.CreatedAt = cur.CreatedAt
	meta.UpdatedAt = time.Now().UTC()
	f.index[meta.ID] = cloneMeta(meta)
	return f.writeIndexLocked()
}

func (f *File) GetSessionMetadata(ctx context.Context, id string) (*Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return nil, err
	}
	m, ok := f.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMeta(m)
	return &out, nil
}

func (f *File) ListSessions(ctx context.Context) ([]Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(f.index))
	for _, m := range f.index {
		out = append(out, cloneMeta(m))
	}
	sortByUpdated(out)
	return out, nil
}

func (f *File) DeleteSession(ctx context.Context, id string) error {
	if err := ValidID(id); err != nil {
		return err
	}
	lock := f.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if _, ok := f.index[id]; !ok {
		return ErrNotFound
	}
	delete(f.index, id)
	if err := f.writeIndexLocked(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(f.sessionsDir(), id))
}

func (f *File) known(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if _, ok := f.index[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *File) GetSessionEvents(ctx context.Context, id string) ([]events.Event, error) {
	if err := f.known(id); err != nil {
		return nil, err
	}
	lock := f.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	fh, err := os.Open(f.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer fh.Close()

	var out []events.Event
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return out, nil
}

func (f *File) SaveEvent(ctx context.Context, id string, ev events.Event) error {
	if err := f.known(id); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	lock := f.lockFor(id)
	lock.Lock()
	path := f.eventsPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		lock.Unlock()
		return fmt.Errorf("create session dir: %w", err)
	}
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("open events file: %w", err)
	}
	_, werr := fh.Write(data)
	cerr := fh.Close()
	lock.Unlock()
	if werr != nil {
		return fmt.Errorf("write event: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close events file: %w", cerr)
	}

	// Stamps are batched; a finished run or a stale index forces a write.
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.index[id]
	if !ok || f.closed {
		return nil
	}
	m.UpdatedAt = time.Now().UTC()
	f.index[id] = m
	f.dirty = true
	if ev.Type == events.TypeAgentRunEnd || time.Since(f.flushed) >= indexFlushInterval {
		if err := f.writeIndexLocked(); err != nil {
			return fmt.Errorf("update index: %w", err)
		}
	}
	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/hub"
	"github.com/zsprackett/agent-relay/internal/storage"
)

var (
	// ErrSessionExists is returned when creating a session whose id is live.
	ErrSessionExists = errors.New("session already exists")
	// ErrNotFound is returned for an id that is not live.
	ErrNotFound = errors.New("session not found")
)

// ConfigurationError reports a session that cannot be created from the
// supplied configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("session config %s: %s", e.Field, e.Reason)
}

// Notifier is told when a session finishes a run and is waiting for input.
type Notifier interface {
	RunFinished(sessionID, name, status string)
}

type RegistryOptions struct {
	Provider storage.Provider
	Hub      *hub.Hub
	Agents   AgentFactory
	// WorkspaceRoot is the default working directory, and the parent of
	// per-session directories when sessions are isolated.
	WorkspaceRoot   string
	IsolateSessions bool
	// CleanupTimeout bounds each session's cleanup during shutdown.
	CleanupTimeout time.Duration
	// Concurrency bounds parallel cleanups during shutdown.
	Concurrency int
	Logger      *slog.Logger
	Notifier    Notifier
}

// Config describes a session to create or resume.
type Config struct {
	ID      string
	WorkDir string
	Isolate bool
	Name    string
	Tags    []string
}

// ShutdownReport lists what ShutdownAll cleaned up and what failed.
type ShutdownReport struct {
	Cleaned []string
	Failed  map[string]error
}

// Registry owns the live sessions and their storage subscriptions.
type Registry struct {
	opts RegistryOptions

	mu           sync.Mutex
	sessions     map[string]*Session
	unsubscribes map[string]func()
	pending      map[string]struct{}
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Hub == nil {
		opts.Hub = hub.New(opts.Provider, hub.Options{Logger: opts.Logger})
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Registry{
		opts:         opts,
		sessions:     make(map[string]*Session),
		unsubscribes: make(map[string]func()),
		pending:      make(map[string]struct{}),
	}
}

func (r *Registry) Hub() *hub.Hub              { return r.opts.Hub }
func (r *Registry) Provider() storage.Provider { return r.opts.Provider }

// Create starts a session. A caller-supplied id that exists in storage but
// is not live resumes that session with its persisted history.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Session, error) {
	if r.opts.Agents == nil {
		return nil, &ConfigurationError{Field: "agent", Reason: "no agent factory configured"}
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	} else if err := storage.ValidID(id); err != nil {
		return nil, &ConfigurationError{Field: "id", Reason: err.Error()}
	}

	r.mu.Lock()
	_, live := r.sessions[id]
	_, creating := r.pending[id]
	if live || creating {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.pending[id] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	var (
		stored  *storage.Metadata
		history []events.Event
		persist = r.opts.Provider != nil
	)
	if persist {
		meta, err := r.opts.Provider.GetSessionMetadata(ctx, id)
		switch {
		case err == nil:
			stored = meta
			history, err = r.opts.Provider.GetSessionEvents(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load history for %s: %w", id, err)
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			r.opts.Logger.Warn("session: storage lookup failed, continuing without persistence", "session", id, "err", err)
			persist = false
		}
	}

	workDir, isolated, err := r.workDir(id, cfg, stored)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	tags := cfg.Tags
	created := time.Now().UTC()
	if stored != nil {
		if name == "" {
			name = stored.Name
		}
		if tags == nil {
			tags = stored.Tags
		}
		created = stored.CreatedAt
	}
	if name == "" {
		name = GenerateName()
	}

	if persist && stored == nil {
		meta := storage.Metadata{ID: id, WorkingDirectory: workDir, CreatedAt: created, Name: name, Tags: tags}
		if err := r.opts.Provider.CreateSession(ctx, meta); err != nil {
			r.opts.Logger.Warn("session: persist metadata failed, continuing without persistence", "session", id, "err", err)
			persist = false
		}
	}

	stream := events.NewStream()
	if err := stream.Seed(history); err != nil {
		return nil, err
	}
	if n := stream.Missing(); n > 0 {
		r.opts.Logger.Warn("session: persisted history has gaps", "session", id, "missing", n, "last_seq", stream.LastSeq())
	}

	agent, err := r.opts.Agents(ctx, Info{ID: id, WorkDir: workDir, History: history})
	if err != nil {
		return nil, fmt.Errorf("create agent for %s: %w", id, err)
	}

	s := &Session{
		ID:         id,
		WorkDir:    workDir,
		Name:       name,
		Tags:       tags,
		CreatedAt:  created,
		Isolated:   isolated,
		agent:      agent,
		stream:     stream,
		logger:     r.opts.Logger,
		onRunEnd:   r.runEnded,
		lastActive: time.Now(),
	}

	unsubscribe := func() {}
	if persist {
		unsubscribe = storage.Subscribe(r.opts.Provider, id, stream, r.opts.Logger)
	}
	if err := r.opts.Hub.Attach(id, stream); err != nil {
		unsubscribe()
		agent.Close(ctx)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.unsubscribes[id] = unsubscribe
	r.mu.Unlock()

	r.opts.Logger.Info("session: created", "session", id, "workdir", workDir, "resumed", stored != nil, "events", len(history))
	return s, nil
}

func (r *Registry) workDir(id string, cfg Config, stored *storage.Metadata) (string, bool, error) {
	if cfg.WorkDir != "" {
		return cfg.WorkDir, false, nil
	}
	if stored != nil && stored.WorkingDirectory != "" {
		return stored.WorkingDirectory, false, nil
	}
	root := r.opts.WorkspaceRoot
	if root == "" {
		return "", false, &ConfigurationError{Field: "workDir", Reason: "no working directory given and no workspace root configured"}
	}
	dir := root
	isolated := cfg.Isolate || r.opts.IsolateSessions
	if isolated {
		dir = filepath.Join(root, id)
		if rel, err := filepath.Rel(root, dir); err != nil || rel != id {
			return "", false, &ConfigurationError{Field: "workDir", Reason: fmt.Sprintf("session directory for %q escapes the workspace root", id)}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, &ConfigurationError{Field: "workDir", Reason: err.Error()}
	}
	return dir, isolated, nil
}

func (r *Registry) runEnded(s *Session, end events.RunEnd) {
	if r.opts.Notifier != nil {
		r.opts.Notifier.RunFinished(s.ID, s.Name, end.Status)
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop cleans up one live session and removes it from the registry.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	unsubscribe := r.unsubscribes[id]
	delete(r.sessions, id)
	delete(r.unsubscribes, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := r.cleanup(ctx, s)
	if unsubscribe != nil {
		unsubscribe()
	}
	r.opts.Hub.Detach(id)
	return err
}

// ShutdownAll cleans up every live session concurrently, abandoning any
// cleanup that exceeds the configured timeout, then stops every storage
// subscription. Calling it again is a no-op.
func (r *Registry) ShutdownAll(ctx context.Context) ShutdownReport {
	r.mu.Lock()
	sessions := r.sessions
	unsubscribes := r.unsubscribes
	r.sessions = make(map[string]*Session)
	r.unsubscribes = make(map[string]func())
	r.mu.Unlock()

	report := ShutdownReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for id, s := range sessions {
		g.Go(func() error {
			err := r.cleanup(ctx, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				r.opts.Logger.Error("session: cleanup failed", "session", id, "err", err)
			} else {
				report.Cleaned = append(report.Cleaned, id)
			}
			return nil
		})
	}
	g.Wait()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	for id := range sessions {
		r.opts.Hub.Detach(id)
	}
	sort.Strings(report.Cleaned)
	if len(sessions) > 0 {
		r.opts.Logger.Info("session: shutdown complete", "cleaned", len(report.Cleaned), "failed", len(report.Failed))
	}
	return report
}

// cleanup runs s.Cleanup bounded by the cleanup timeout. A cleanup that does
// not return in time is left running and reported as failed.
func (r *Registry) cleanup(ctx context.Context, s *Session) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CleanupTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("cleanup panicked: %v", p)
			}
		}()
		done <- s.Cleanup(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("cleanup %s: %w", s.ID, ctx.Err())
	}
}

// ReapIdle stops sessions that are not running and have been inactive for
// longer than maxIdle. It returns the ids it stopped.
func (r *Registry) ReapIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	var idle []string
	for _, s := range r.List() {
		if !s.Running() && s.LastActive().Before(cutoff) {
			idle = append(idle, s.ID)
		}
	}
	var stopped []string
	for _, id := range idle {
		if err := r.Stop(ctx, id); err != nil {
			r.opts.Logger.Warn("session: reap failed", "session", id, "err", err)
			continue
		}
		stopped = append(stopped, id)
	}
	if len(stopped) > 0 {
		r.opts.Logger.Info("session: reaped idle sessions", "count", len(stopped))
	}
	return stopped
}

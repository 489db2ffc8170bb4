package session_test

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/session"
	"github.com/zsprackett/agent-relay/internal/storage"
)

// scriptedAgent replies with a fixed answer, or blocks until cancelled when
// block is set.
type scriptedAgent struct {
	answer    string
	block     bool
	hangClose bool
	closed    chan struct{}
	once      sync.Once
}

func (a *scriptedAgent) Run(ctx context.Context, input string, emit session.Emitter) error {
	if a.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := emit(events.AssistantMessage{Content: a.answer}); err != nil {
		return err
	}
	return emit(events.FinalAnswer{Content: a.answer})
}

func (a *scriptedAgent) Close(ctx context.Context) error {
	if a.hangClose {
		select {}
	}
	a.once.Do(func() {
		if a.closed != nil {
			close(a.closed)
		}
	})
	return nil
}

func newProvider(t *testing.T) storage.Provider {
	t.Helper()
	p := storage.NewMemory()
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { p.Close() })
	return p
}

func newRegistry(t *testing.T, p storage.Provider, factory session.AgentFactory) *session.Registry {
	t.Helper()
	if factory == nil {
		factory = func(ctx context.Context, info session.Info) (session.Agent, error) {
			return &scriptedAgent{answer: "done"}, nil
		}
	}
	r := session.NewRegistry(session.RegistryOptions{
		Provider:       p,
		Agents:         factory,
		WorkspaceRoot:  t.TempDir(),
		CleanupTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { r.ShutdownAll(context.Background()) })
	return r
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestGenerateName(t *testing.T) {
	name := session.GenerateName()
	assert.GreaterOrEqual(t, len(strings.Split(name, "-")), 2, "expected adjective-noun, got %q", name)
}

func TestCreateAndGet(t *testing.T) {
	r := newRegistry(t, newProvider(t), nil)
	s, err := r.Create(context.Background(), session.Config{ID: "s1", Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "demo", s.Name)
	assert.NotEmpty(t, s.WorkDir)

	got, ok := r.Get("s1")
	require.True(t, ok, "Get did not find the created session")
	assert.Same(t, s, got)
	assert.Len(t, r.List(), 1)

	_, err = r.Create(context.Background(), session.Config{ID: "s1"})
	assert.ErrorIs(t, err, session.ErrSessionExists)
}

func TestCreateGeneratesID(t *testing.T) {
	r := newRegistry(t, nil, nil)
	s, err := r.Create(context.Background(), session.Config{})
	require.NoError(t, err)
	assert.Len(t, s.ID, 36, "expected uuid id, got %q", s.ID)
}

func TestCreateWithoutWorkDir(t *testing.T) {
	r := session.NewRegistry(session.RegistryOptions{
		Agents: func(ctx context.Context, info session.Info) (session.Agent, error) {
			return &scriptedAgent{}, nil
		},
	})
	_, err := r.Create(context.Background(), session.Config{ID: "s1"})
	var cfgErr *session.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "workDir", cfgErr.Field)
	_, ok := r.Get("s1")
	assert.False(t, ok, "failed create left a live session")
}

func TestCreateIsolated(t *testing.T) {
	r := newRegistry(t, nil, nil)
	s, err := r.Create(context.Background(), session.Config{ID: "iso", Isolate: true})
	require.NoError(t, err)
	assert.Equal(t, "iso", filepath.Base(s.WorkDir))
	assert.True(t, s.Isolated)
	assert.DirExists(t, s.WorkDir)
}

func TestCreateRejectsPathLikeIDs(t *testing.T) {
	root := t.TempDir()
	r := session.NewRegistry(session.RegistryOptions{
		Agents: func(ctx context.Context, info session.Info) (session.Agent, error) {
			return &scriptedAgent{answer: "done"}, nil
		},
		WorkspaceRoot:   root,
		IsolateSessions: true,
	})
	t.Cleanup(func() { r.ShutdownAll(context.Background()) })

	alpha, err := r.Create(context.Background(), session.Config{ID: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alpha"), alpha.WorkDir)

	for _, id := range []string{"beta/../alpha", "../escape", "..", ".", `a\b`, "nested/dir"} {
		_, err := r.Create(context.Background(), session.Config{ID: id})
		var cfgErr *session.ConfigurationError
		if assert.ErrorAs(t, err, &cfgErr, "Create(%q)", id) {
			assert.Equal(t, "id", cfgErr.Field, "Create(%q)", id)
		}
		_, ok := r.Get(id)
		assert.False(t, ok, "Create(%q) left a live session", id)
	}
	assert.NoDirExists(t, filepath.Join(filepath.Dir(root), "escape"), "directory created outside the workspace root")
	assert.Len(t, r.List(), 1)
}

func TestRunRecordsConversation(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	r := newRegistry(t, p, nil)
	s, err := r.Create(ctx, session.Config{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx, "hello"))

	want := []events.Type{
		events.TypeUserMessage,
		events.TypeAgentRunStart,
		events.TypeAssistantMessage,
		events.TypeFinalAnswer,
		events.TypeAgentRunEnd,
	}
	require.Equal(t, want, types(s.Stream().Events()))

	require.NoError(t, r.Stop(ctx, "s1"))
	persisted, err := p.GetSessionEvents(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, persisted, len(want))
}

func TestRunBusyAndAbort(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil, func(ctx context.Context, info session.Info) (session.Agent, error) {
		return &scriptedAgent{block: true}, nil
	})
	s, err := r.Create(ctx, session.Config{ID: "s1"})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- s.Run(ctx, "long task") }()

	require.Eventually(t, s.Running, 2*time.Second, time.Millisecond, "run never started")
	assert.ErrorIs(t, s.Run(ctx, "second"), session.ErrBusy)
	require.True(t, s.Abort(), "Abort reported no run in progress")
	assert.NoError(t, <-result, "aborted run")

	evs := s.Stream().Events()
	last, err := evs[len(evs)-1].Decode()
	require.NoError(t, err)
	end, ok := last.(events.RunEnd)
	require.True(t, ok, "last event: got %#v", last)
	assert.Equal(t, session.StatusAborted, end.Status)
}

func TestCreateResumesPersistedHistory(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	var seen []int
	r := newRegistry(t, p, func(ctx context.Context, info session.Info) (session.Agent, error) {
		seen = append(seen, len(info.History))
		return &scriptedAgent{answer: "ok"}, nil
	})

	s, err := r.Create(ctx, session.Config{ID: "s1", Name: "keep"})
	require.NoError(t, err)
	s.Run(ctx, "first")
	r.Stop(ctx, "s1")

	resumed, err := r.Create(ctx, session.Config{ID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 5, resumed.Stream().Len())
	assert.Equal(t, "keep", resumed.Name, "name not restored")

	resumed.Run(ctx, "second")
	assert.Equal(t, int64(10), resumed.Stream().LastSeq())
	assert.Equal(t, []int{0, 5}, seen, "histories handed to the agent factory")
}

func TestCreateWarnsAboutGappedHistory(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	require.NoError(t, p.CreateSession(ctx, storage.Metadata{ID: "gappy", WorkingDirectory: t.TempDir()}))
	for _, seq := range []int64{1, 2, 4} {
		ev, err := events.New(events.SystemNote{Level: "info", Message: "note"})
		require.NoError(t, err)
		ev.Seq = seq
		require.NoError(t, p.SaveEvent(ctx, "gappy", ev))
	}

	var logs bytes.Buffer
	r := session.NewRegistry(session.RegistryOptions{
		Provider: p,
		Agents: func(ctx context.Context, info session.Info) (session.Agent, error) {
			return &scriptedAgent{answer: "done"}, nil
		},
		WorkspaceRoot: t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(&logs, nil)),
	})
	t.Cleanup(func() { r.ShutdownAll(context.Background()) })

	s, err := r.Create(ctx, session.Config{ID: "gappy"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Stream().Missing())
	assert.Contains(t, logs.String(), "persisted history has gaps")
	assert.Contains(t, logs.String(), "missing=1")
}

func TestStopUnknown(t *testing.T) {
	r := newRegistry(t, nil, nil)
	assert.ErrorIs(t, r.Stop(context.Background(), "nope"), session.ErrNotFound)
}

func TestShutdownAllBoundedDespiteHangingCleanup(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	agents := map[string]*scriptedAgent{
		"ok-1": {answer: "a", closed: make(chan struct{})},
		"hang": {answer: "b", hangClose: true},
		"ok-2": {answer: "c", closed: make(chan struct{})},
	}
	r := newRegistry(t, p, func(ctx context.Context, info session.Info) (session.Agent, error) {
		return agents[info.ID], nil
	})
	for id := range agents {
		s, err := r.Create(ctx, session.Config{ID: id})
		require.NoError(t, err)
		s.Run(ctx, "go")
	}

	start := time.Now()
	report := r.ShutdownAll(ctx)
	require.Less(t, time.Since(start), 2*time.Second, "ShutdownAll was not bounded")
	assert.Equal(t, []string{"ok-1", "ok-2"}, report.Cleaned)
	if assert.Contains(t, report.Failed, "hang") {
		assert.ErrorIs(t, report.Failed["hang"], context.DeadlineExceeded)
	}
	for _, id := range []string{"ok-1", "ok-2"} {
		select {
		case <-agents[id].closed:
		default:
			t.Errorf("agent %s was not closed", id)
		}
	}
	assert.Empty(t, r.List(), "registry still holds sessions")

	for id := range agents {
		evs, err := p.GetSessionEvents(ctx, id)
		require.NoError(t, err)
		assert.Len(t, evs, 5, "%s persisted events", id)
	}

	again := r.ShutdownAll(ctx)
	assert.Empty(t, again.Cleaned, "second shutdown was not a no-op")
	assert.Empty(t, again.Failed, "second shutdown was not a no-op")
}

func TestShutdownAllEmpty(t *testing.T) {
	r := newRegistry(t, nil, nil)
	report := r.ShutdownAll(context.Background())
	assert.Empty(t, report.Cleaned)
	assert.Empty(t, report.Failed)
}

func TestReapIdle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil, nil)
	r.Create(ctx, session.Config{ID: "idle"})
	time.Sleep(20 * time.Millisecond)
	r.Create(ctx, session.Config{ID: "fresh"})

	assert.Equal(t, []string{"idle"}, r.ReapIdle(ctx, 10*time.Millisecond))
	_, ok := r.Get("fresh")
	assert.True(t, ok, "fresh session was reaped")
}

type recordingNotifier struct {
	mu     sync.Mutex
	status []string
}

func (n *recordingNotifier) RunFinished(id, name, status string) {
	n.mu.Lock()
	n.status = append(n.status, id+":"+status)
	n.mu.Unlock()
}

func TestNotifierToldWhenRunEnds(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	r := session.NewRegistry(session.RegistryOptions{
		Agents: func(ctx context.Context, info session.Info) (session.Agent, error) {
			return &scriptedAgent{answer: "x"}, nil
		},
		WorkspaceRoot: t.TempDir(),
		Notifier:      n,
	})
	defer r.ShutdownAll(ctx)
	s, err := r.Create(ctx, session.Config{ID: "s1"})
	require.NoError(t, err)
	s.Run(ctx, "hi")
	assert.Equal(t, []string{"s1:completed"}, n.status)
}

package hub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/hub"
	"github.com/zsprackett/agent-relay/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	seqs []int64
}

func (r *recorder) Send(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	r.seqs = append(r.seqs, ev.Seq)
	r.mu.Unlock()
	return nil
}

func (r *recorder) got() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seqs...)
}

func (r *recorder) waitLen(t *testing.T, n int) []int64 {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.got()) >= n }, 2*time.Second, time.Millisecond)
	return r.got()
}

func seqRange(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func appendN(t *testing.T, s *events.Stream, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Append(events.Event{Type: events.TypeSystem, Data: []byte(`{"level":"info","message":"x"}`)})
		require.NoError(t, err)
	}
}

func TestSubscribe_ReplaysThenDeliversLive(t *testing.T) {
	h := hub.New(nil, hub.Options{})
	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))
	appendN(t, s, 3)

	rec := &recorder{}
	cur, err := h.Subscribe(context.Background(), "s1", rec)
	require.NoError(t, err)
	defer h.Unsubscribe(cur)

	appendN(t, s, 2)
	assert.Equal(t, seqRange(1, 5), rec.waitLen(t, 5))
	assert.Equal(t, 1, h.Observers("s1"))
}

func TestSubscribe_PersistedHistoryThenLive(t *testing.T) {
	ctx := context.Background()
	p := storage.NewMemory()
	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.CreateSession(ctx, storage.Metadata{ID: "s1", WorkingDirectory: "/w"}))

	seed := events.NewStream()
	appendN(t, seed, 10)
	history := seed.Events()
	for _, ev := range history {
		require.NoError(t, p.SaveEvent(ctx, "s1", ev))
	}

	h := hub.New(p, hub.Options{})
	rec := &recorder{}
	cur, err := h.Subscribe(ctx, "s1", rec)
	require.NoError(t, err)
	defer h.Unsubscribe(cur)
	assert.Equal(t, seqRange(1, 10), rec.waitLen(t, 10))

	resumed := events.NewStream()
	require.NoError(t, resumed.Seed(history))
	require.NoError(t, h.Attach("s1", resumed))
	appendN(t, resumed, 2)

	got := rec.waitLen(t, 12)
	assert.Equal(t, seqRange(1, 12), got)
}

func TestSubscribe_ConcurrentAppendsHaveNoGapsOrDuplicates(t *testing.T) {
	h := hub.New(nil, hub.Options{Buffer: 10000})
	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))
	appendN(t, s, 50)

	done := make(chan struct{})
	go func() {
		defer close(done)
		appendN(t, s, 500)
	}()

	var recs []*recorder
	for i := 0; i < 5; i++ {
		rec := &recorder{}
		cur, err := h.Subscribe(context.Background(), "s1", rec)
		require.NoError(t, err)
		defer h.Unsubscribe(cur)
		recs = append(recs, rec)
	}
	<-done

	for _, rec := range recs {
		assert.Equal(t, seqRange(1, 550), rec.waitLen(t, 550))
	}
}

func TestSubscribe_UnknownSession(t *testing.T) {
	ctx := context.Background()
	_, err := hub.New(nil, hub.Options{}).Subscribe(ctx, "nope", &recorder{})
	assert.ErrorIs(t, err, hub.ErrNoSession)

	p := storage.NewMemory()
	require.NoError(t, p.Initialize(ctx))
	h := hub.New(p, hub.Options{})
	_, err = h.Subscribe(ctx, "nope", &recorder{})
	assert.ErrorIs(t, err, hub.ErrNoSession)
	assert.Equal(t, 0, h.Observers("nope"))
}

type blockingObserver struct {
	release chan struct{}
}

func (b *blockingObserver) Send(ctx context.Context, ev events.Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowObserverIsDisconnected(t *testing.T) {
	h := hub.New(nil, hub.Options{Buffer: 4})
	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))

	slow := &blockingObserver{release: make(chan struct{})}
	slowCur, err := h.Subscribe(context.Background(), "s1", slow)
	require.NoError(t, err)

	fast := &recorder{}
	fastCur, err := h.Subscribe(context.Background(), "s1", fast)
	require.NoError(t, err)
	defer h.Unsubscribe(fastCur)

	appendN(t, s, 20)

	select {
	case <-slowCur.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow observer was not disconnected")
	}
	assert.ErrorIs(t, slowCur.Err(), hub.ErrSlowObserver)
	assert.Equal(t, seqRange(1, 20), fast.waitLen(t, 20))
	require.Eventually(t, func() bool { return h.Observers("s1") == 1 }, time.Second, time.Millisecond)
}

func TestDeliveryErrorRemovesOnlyThatObserver(t *testing.T) {
	h := hub.New(nil, hub.Options{})
	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))

	broken := hub.ObserverFunc(func(ctx context.Context, ev events.Event) error {
		return errors.New("connection reset")
	})
	brokenCur, err := h.Subscribe(context.Background(), "s1", broken)
	require.NoError(t, err)
	healthy := &recorder{}
	healthyCur, err := h.Subscribe(context.Background(), "s1", healthy)
	require.NoError(t, err)
	defer h.Unsubscribe(healthyCur)

	appendN(t, s, 3)
	<-brokenCur.Done()
	assert.ErrorIs(t, brokenCur.Err(), hub.ErrDelivery)
	assert.Equal(t, seqRange(1, 3), healthy.waitLen(t, 3))
}

func TestUnsubscribeIsIdempotentAndSafeAfterDetach(t *testing.T) {
	h := hub.New(nil, hub.Options{})
	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))
	rec := &recorder{}
	cur, err := h.Subscribe(context.Background(), "s1", rec)
	require.NoError(t, err)

	h.Detach("s1")
	h.Unsubscribe(cur)
	h.Unsubscribe(cur)
	h.Unsubscribe(nil)

	<-cur.Done()
	assert.ErrorIs(t, cur.Err(), hub.ErrUnsubscribed)
	assert.Equal(t, 0, h.Observers("s1"))

	appendN(t, s, 1)
	assert.Empty(t, rec.got())
}

func TestContextCancelEndsSubscription(t *testing.T) {
	h := hub.New(nil, hub.Options{})
	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))
	ctx, cancel := context.WithCancel(context.Background())
	cur, err := h.Subscribe(ctx, "s1", &recorder{})
	require.NoError(t, err)

	cancel()
	<-cur.Done()
	assert.ErrorIs(t, cur.Err(), context.Canceled)
	require.Eventually(t, func() bool { return h.Observers("s1") == 0 }, time.Second, time.Millisecond)
}

func TestAppend(t *testing.T) {
	h := hub.New(nil, hub.Options{})
	_, err := h.Append(context.Background(), "s1", events.SystemNote{Level: "info", Message: "hi"})
	assert.ErrorIs(t, err, hub.ErrNoSession)

	s := events.NewStream()
	require.NoError(t, h.Attach("s1", s))
	ev, err := h.Append(context.Background(), "s1", events.SystemNote{Level: "info", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, events.TypeSystem, ev.Type)

	assert.ErrorIs(t, h.Attach("s1", events.NewStream()), hub.ErrAttached)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := hub.New(nil, hub.Options{Buffer: 1})
	a, b := events.NewStream(), events.NewStream()
	require.NoError(t, h.Attach("a", a))
	require.NoError(t, h.Attach("b", b))

	stuck := &blockingObserver{release: make(chan struct{})}
	defer close(stuck.release)
	stuckCur, err := h.Subscribe(context.Background(), "a", stuck)
	require.NoError(t, err)
	defer h.Unsubscribe(stuckCur)

	rec := &recorder{}
	cur, err := h.Subscribe(context.Background(), "b", rec)
	require.NoError(t, err)
	defer h.Unsubscribe(cur)

	appendN(t, b, 1)
	assert.Equal(t, []int64{1}, rec.waitLen(t, 1))
}

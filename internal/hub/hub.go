// Package hub fans a session's event stream out to live observers, replaying
// history to late joiners.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/storage"
)

var (
	// ErrNoSession is returned for a session that is neither live nor stored.
	ErrNoSession = errors.New("no such session")
	// ErrAttached is returned when a second stream is attached to a session.
	ErrAttached = errors.New("session already attached")
	// ErrSlowObserver is the disconnect reason for an observer whose queue
	// overflowed.
	ErrSlowObserver = errors.New("observer too slow")
	// ErrUnsubscribed is the disconnect reason after Unsubscribe.
	ErrUnsubscribed = errors.New("observer unsubscribed")
	// ErrDelivery wraps an Observer.Send failure.
	ErrDelivery = errors.New("observer delivery failed")
)

// Observer receives one session's events in order. Send is called from a
// single goroutine per subscription and should honour ctx.
type Observer interface {
	Send(ctx context.Context, ev events.Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev events.Event) error

func (f ObserverFunc) Send(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

type Options struct {
	// Buffer bounds the live events queued per observer. Replayed history is
	// not counted.
	Buffer int
	Logger *slog.Logger
}

const defaultBuffer = 256

// Hub routes appended events to the observers of each session. Sessions are
// independent: work for one never waits on another's observers.
type Hub struct {
	provider storage.Provider
	buffer   int
	logger   *slog.Logger
	nextID   atomic.Uint64

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	stream  *events.Stream
	cursors map[uint64]*Cursor
}

// New returns a Hub. provider may be nil, in which case only live sessions
// can be observed.
func New(provider storage.Provider, opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		provider: provider,
		buffer:   opts.Buffer,
		logger:   opts.Logger,
		topics:   make(map[string]*topic),
	}
}

func (h *Hub) topicLocked(id string) *topic {
	t, ok := h.topics[id]
	if !ok {
		t = &topic{cursors: make(map[uint64]*Cursor)}
		h.topics[id] = t
	}
	return t
}

// Attach starts forwarding stream to the session's observers. Observers that
// joined while the session was not live are caught up from the stream.
func (h *Hub) Attach(sessionID string, stream *events.Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(sessionID)
	if t.stream != nil && t.stream != stream {
		return fmt.Errorf("%w: %s", ErrAttached, sessionID)
	}
	t.stream = stream
	for _, c := range t.cursors {
		c.follow(stream)
	}
	return nil
}

// Detach stops forwarding for the session. Existing observers stay
// subscribed and resume if the session is attached again.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		return
	}
	t.stream = nil
	for _, c := range t.cursors {
		c.unfollow()
	}
	if len(t.cursors) == 0 {
		delete(h.topics, sessionID)
	}
}

func (h *Hub) stream(sessionID string) *events.Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sessionID]; ok {
		return t.stream
	}
	return nil
}

// Append adds p to the live session's stream and returns the stored event.
func (h *Hub) Append(ctx context.Context, sessionID string, p events.Payload) (events.Event, error) {
	ev, err := events.New(p)
	if err != nil {
		return events.Event{}, err
	}
	return h.AppendEvent(ctx, sessionID, ev)
}

// AppendEvent is Append for a prebuilt event. Seq is always reassigned.
func (h *Hub) AppendEvent(ctx context.Context, sessionID string, ev events.Event) (events.Event, error) {
	if err := ctx.Err(); err != nil {
		return events.Event{}, err
	}
	s := h.stream(sessionID)
	if s == nil {
		return events.Event{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	return s.Append(ev)
}

// Subscribe registers obs for the session. History is delivered first (from
// the live stream, or from storage for a session that is not live) and then
// live events, each position exactly once. ctx bounds the subscription.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, obs Observer) (*Cursor, error) {
	c := newCursor(ctx, h, sessionID, obs)

	h.mu.Lock()
	t := h.topicLocked(sessionID)
	t.cursors[c.id] = c
	live := t.stream
	if live != nil {
		c.follow(live)
	}
	h.mu.Unlock()

	if live == nil {
		if err := h.replayStored(ctx, c); err != nil {
			c.cancel(err)
			h.remove(c)
			return nil, err
		}
	}
	go c.run()
	h.logger.Debug("hub: observer subscribed", "session", sessionID, "observer", c.id)
	return c, nil
}

func (h *Hub) replayStored(ctx context.Context, c *Cursor) error {
	if h.provider == nil {
		if h.stream(c.sessionID) != nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoSession, c.sessionID)
	}
	history, err := h.provider.GetSessionEvents(ctx, c.sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		if h.stream(c.sessionID) != nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoSession, c.sessionID)
	}
	if err != nil {
		return fmt.Errorf("load history for %s: %w", c.sessionID, err)
	}
	c.replay(history)
	return nil
}

// Unsubscribe stops delivery to c. It is idempotent and safe after the
// session has ended.
func (h *Hub) Unsubscribe(c *Cursor) {
	if c == nil {
		return
	}
	c.cancel(ErrUnsubscribed)
	h.remove(c)
}

func (h *Hub) remove(c *Cursor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[c.sessionID]
	if !ok {
		return
	}
	delete(t.cursors, c.id)
	if t.stream == nil && len(t.cursors) == 0 {
		delete(h.topics, c.sessionID)
	}
}

// Observers returns the number of subscribed observers for the session.
func (h *Hub) Observers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sessionID]; ok {
		return len(t.cursors)
	}
	return 0
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zsprackett/agent-relay/internal/events"
)

type queued struct {
	ev   events.Event
	live bool
}

// Cursor is one observer's subscription. Events are queued in order and
// delivered by a dedicated goroutine.
type Cursor struct {
	id        uint64
	sessionID string
	hub       *Hub
	obs       Observer
	buffer    int

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	wake   chan struct{}

	mu        sync.Mutex
	queue     []queued
	live      int
	lastSeq   int64
	replaying bool
	unfollowS func()
}

func newCursor(ctx context.Context, h *Hub, sessionID string, obs Observer) *Cursor {
	cctx, cancel := context.WithCancelCause(ctx)
	return &Cursor{
		id:        h.nextID.Add(1),
		sessionID: sessionID,
		hub:       h,
		obs:       obs,
		buffer:    h.buffer,
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

func (c *Cursor) SessionID() string { return c.sessionID }

// Done is closed once the cursor has stopped delivering.
func (c *Cursor) Done() <-chan struct{} { return c.done }

// Err reports why the cursor stopped: ErrSlowObserver, ErrUnsubscribed, a
// wrapped ErrDelivery, or the parent context's error. It is nil while the
// cursor is active.
func (c *Cursor) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// follow replays the stream's history to the cursor and registers it for
// live events. Called with the hub lock held.
func (c *Cursor) follow(s *events.Stream) {
	if c.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	c.replaying = true
	c.mu.Unlock()

	stop := s.Observe(c.enqueue)

	c.mu.Lock()
	c.replaying = false
	prev := c.unfollowS
	c.unfollowS = stop
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *Cursor) unfollow() {
	c.mu.Lock()
	stop := c.unfollowS
	c.unfollowS = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Cursor) replay(history []events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range history {
		c.pushLocked(ev, false)
	}
	c.signal()
}

// enqueue is the stream listener. It runs under the stream lock and must not
// block.
func (c *Cursor) enqueue(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	live := !c.replaying
	if live && c.live >= c.buffer && ev.Seq > c.lastSeq {
		c.cancel(ErrSlowObserver)
		return
	}
	c.pushLocked(ev, live)
	c.signal()
}

func (c *Cursor) pushLocked(ev events.Event, live bool) {
	if ev.Seq <= c.lastSeq {
		return
	}
	c.lastSeq = ev.Seq
	c.queue = append(c.queue, queued{ev: ev, live: live})
	if live {
		c.live++
	}
}

func (c *Cursor) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cursor) next() (events.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return events.Event{}, false
	}
	item := c.queue[0]
	c.queue[0] = queued{}
	c.queue = c.queue[1:]
	if item.live {
		c.live--
	}
	return item.ev, true
}

func (c *Cursor) run() {
	defer c.finish()
	for {
		ev, ok := c.next()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}
		if c.ctx.Err() != nil {
			return
		}
		if err := c.obs.Send(c.ctx, ev); err != nil {
			if c.ctx.Err() == nil {
				c.cancel(fmt.Errorf("%w: %w", ErrDelivery, err))
			}
			return
		}
	}
}

func (c *Cursor) finish() {
	c.unfollow()
	c.hub.remove(c)
	err := c.Err()
	switch {
	case errors.Is(err, ErrSlowObserver), errors.Is(err, ErrDelivery):
		c.hub.logger.Warn("hub: observer disconnected", "session", c.sessionID, "observer", c.id, "err", err)
	default:
		c.hub.logger.Debug("hub: observer closed", "session", c.sessionID, "observer", c.id, "err", err)
	}
	close(c.done)
}

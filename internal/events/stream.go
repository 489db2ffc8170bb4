package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStreamClosed is returned by Append after Close.
var ErrStreamClosed = errors.New("event stream closed")

// Stream is the ordered, append-only event log of one session. Listeners are
// invoked synchronously, in append order, while the stream lock is held; they
// must not block and must not call back into the Stream.
type Stream struct {
	mu        sync.Mutex
	events    []Event
	listeners map[uint64]func(Event)
	order     []uint64
	nextID    uint64
	closed    bool
	now       func() time.Time
}

// NewStream returns an empty open stream.
func NewStream() *Stream {
	return &Stream{
		listeners: make(map[uint64]func(Event)),
		now:       time.Now,
	}
}

// Seed loads previously persisted history. It must be called before the
// first Append. Events are re-sequenced only if their positions are not
// strictly increasing.
func (s *Stream) Seed(history []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) > 0 {
		return fmt.Errorf("seed: stream already holds %d events", len(s.events))
	}
	if s.closed {
		return ErrStreamClosed
	}
	var last int64
	for _, ev := range history {
		if ev.Seq <= last {
			ev.Seq = last + 1
		}
		last = ev.Seq
		s.events = append(s.events, ev)
	}
	return nil
}

// Append assigns the next sequence position to ev, stores it and notifies
// every listener before returning the stored event.
func (s *Stream) Append(ev Event) (Event, error) {
	if !ev.Type.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, ErrStreamClosed
	}
	ev.Seq = s.lastSeqLocked() + 1
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC().Truncate(time.Millisecond)
	}
	s.events = append(s.events, ev)
	for _, id := range s.order {
		s.listeners[id](ev)
	}
	return ev, nil
}

// Subscribe registers fn for events appended from now on.
func (s *Stream) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(fn)
}

// Observe passes every stored event to fn and then registers fn for future
// appends, atomically with respect to Append: fn sees each position exactly
// once.
func (s *Stream) Observe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		fn(ev)
	}
	return s.addLocked(fn)
}

func (s *Stream) addLocked(fn func(Event)) func() {
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.order = append(s.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Events returns a copy of the stored log.
func (s *Stream) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// LastSeq returns the highest assigned position, or 0 for an empty stream.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeqLocked()
}

// Missing counts positions between 1 and LastSeq that hold no event. Appends
// never create gaps; seeded history can carry them when a save was lost.
func (s *Stream) Missing() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeqLocked() - int64(len(s.events))
}

func (s *Stream) lastSeqLocked() int64 {
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Seq
}

// Close freezes the stream. Listeners are dropped. Close is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.listeners)
	s.order = nil
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

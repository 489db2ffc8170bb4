package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsprackett/agent-relay/internal/events"
)

// Source is anything that announces appended events, typically an
// *events.Stream.
type Source interface {
	Subscribe(fn func(events.Event)) (cancel func())
}

const (
	saveTimeout  = 10 * time.Second
	drainTimeout = 15 * time.Second
)

// Subscribe persists every event src announces for sessionID through p.
// Writes happen in order on a dedicated goroutine so the appending side never
// waits on I/O; failures are logged and the event is skipped. The returned
// function stops receiving, waits for queued writes to drain (bounded) and is
// safe to call more than once.
func Subscribe(p Provider, sessionID string, src Source, logger *slog.Logger) (unsubscribe func()) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &writer{
		provider:  p,
		sessionID: sessionID,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	cancel := src.Subscribe(w.enqueue)
	go w.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			w.close()
			select {
			case <-w.done:
			case <-time.After(drainTimeout):
				logger.Warn("storage: abandoned pending writes", "session", sessionID, "pending", w.pending())
			}
		})
	}
}

type writer struct {
	provider  Provider
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []events.Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func (w *writer) enqueue(ev events.Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	w.signal()
}

func (w *writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

func (w *writer) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, ev := range batch {
			w.save(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *writer) save(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := w.provider.SaveEvent(ctx, w.sessionID, ev); err != nil {
		w.logger.Warn("storage: persist event failed",
			"session", w.sessionID, "seq", ev.Seq, "type", string(ev.Type), "err", err)
	}
}

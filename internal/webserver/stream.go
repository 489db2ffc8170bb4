package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/hub"
)

const (
	writeWait     = 10 * time.Second
	keepalive     = 30 * time.Second
	maxClientRead = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMsg is a command sent by a websocket observer.
type wsClientMsg struct {
	Type  string `json:"type"` // subscribe, unsubscribe, query, abort
	Query string `json:"query,omitempty"`
}

type wsServerMsg struct {
	Type    string        `json:"type"` // event, error, ack
	Event   *events.Event `json:"event,omitempty"`
	Command string        `json:"command,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// wsClient owns one websocket connection. Writes are serialized; the hub's
// cursor goroutine and the read loop both send.
type wsClient struct {
	conn      *websocket.Conn
	sessionID string

	wmu sync.Mutex

	mu     sync.Mutex
	cursor *hub.Cursor
}

func (c *wsClient) write(msg wsServerMsg) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) Send(ctx context.Context, ev events.Event) error {
	return c.write(wsServerMsg{Type: "event", Event: &ev})
}

func (c *wsClient) closeWith(code int, reason string) {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.conn.Close()
}

func (s *Server) subscribeWS(ctx context.Context, c *wsClient) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor != nil {
		select {
		case <-c.cursor.Done():
		default:
			return nil
		}
	}
	cur, err := s.hub.Subscribe(ctx, c.sessionID, c)
	if err != nil {
		return err
	}
	c.cursor = cur
	go func() {
		<-cur.Done()
		err := cur.Err()
		switch {
		case errors.Is(err, hub.ErrSlowObserver):
			c.closeWith(websocket.CloseTryAgainLater, "observer too slow")
		case errors.Is(err, hub.ErrDelivery):
			c.conn.Close()
		}
	}()
	return nil
}

func (s *Server) unsubscribeWS(c *wsClient) {
	c.mu.Lock()
	cur := c.cursor
	c.cursor = nil
	c.mu.Unlock()
	s.hub.Unsubscribe(cur)
}

// handleWebsocket streams a session's events to a websocket observer,
// history first, and accepts commands on the same connection.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.exists(r.Context(), id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.track(conn)
	defer s.untrack(conn)
	conn.SetReadLimit(maxClientRead)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsClient{conn: conn, sessionID: id}
	if err := s.subscribeWS(ctx, c); err != nil {
		c.write(wsServerMsg{Type: "error", Error: err.Error()})
		return
	}
	defer s.unsubscribeWS(c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.write(wsServerMsg{Type: "error", Error: "malformed message"})
			continue
		}
		if err := s.handleCommand(ctx, c, msg); err != nil {
			c.write(wsServerMsg{Type: "error", Command: msg.Type, Error: err.Error()})
			continue
		}
		c.write(wsServerMsg{Type: "ack", Command: msg.Type})
	}
}

func (s *Server) handleCommand(ctx context.Context, c *wsClient, msg wsClientMsg) error {
	switch msg.Type {
	case "subscribe":
		return s.subscribeWS(ctx, c)
	case "unsubscribe":
		s.unsubscribeWS(c)
		return nil
	case "query":
		if msg.Query == "" {
			return errors.New("query is required")
		}
		sess, err := s.sessionFor(ctx, c.sessionID)
		if err != nil {
			return err
		}
		return s.startRun(sess, msg.Query)
	case "abort":
		sess, ok := s.registry.Get(c.sessionID)
		if !ok {
			return errors.New("session is not active")
		}
		sess.Abort()
		return nil
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// sseObserver writes events as server-sent events. Events at or below after
// were already seen by a reconnecting client.
type sseObserver struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	after   int64
}

func (o *sseObserver) Send(ctx context.Context, ev events.Event) error {
	if ev.Seq <= o.after {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := fmt.Fprintf(o.w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
		return err
	}
	o.flusher.Flush()
	return nil
}

func (o *sseObserver) comment(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, ": %s\n\n", text)
	o.flusher.Flush()
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	id := r.PathValue("id")
	after, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	obs := &sseObserver{w: w, flusher: flusher, after: after}

	// Headers go out before the cursor can write.
	obs.mu.Lock()
	cur, err := s.hub.Subscribe(r.Context(), id, obs)
	if err != nil {
		obs.mu.Unlock()
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	obs.mu.Unlock()

	defer func() {
		s.hub.Unsubscribe(cur)
		<-cur.Done()
	}()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-cur.Done():
			return
		case <-ticker.C:
			obs.comment("keepalive")
		}
	}
}

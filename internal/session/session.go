package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zsprackett/agent-relay/internal/events"
)

var (
	// ErrBusy is returned by Run while another run is in progress.
	ErrBusy = errors.New("session is busy")
	// ErrClosed is returned by Run after Cleanup.
	ErrClosed = errors.New("session closed")
)

var adjectives = []string{
	"swift", "bright", "calm", "deep", "eager", "fair", "gentle", "happy",
	"keen", "light", "mild", "noble", "proud", "quick", "rich", "safe",
	"true", "vivid", "warm", "wise", "bold", "cool", "dark", "fast",
}

var nouns = []string{
	"fox", "owl", "wolf", "bear", "hawk", "lion", "deer", "crow",
	"dove", "seal", "swan", "hare", "lynx", "moth", "newt", "orca",
	"pike", "rook", "toad", "vole", "wren", "yak", "bass", "crab",
}

// GenerateName returns a random adjective-noun display name.
func GenerateName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s", adj, noun)
}

// Emitter appends an agent-produced payload to the session's stream.
type Emitter func(events.Payload) error

// Agent executes one conversation. Run is never called concurrently for the
// same Agent; it must return promptly once ctx is cancelled.
type Agent interface {
	Run(ctx context.Context, input string, emit Emitter) error
	Close(ctx context.Context) error
}

// Info is what an AgentFactory knows about the session it builds for.
type Info struct {
	ID      string
	WorkDir string
	History []events.Event
}

// AgentFactory builds the agent for a new or resumed session.
type AgentFactory func(ctx context.Context, info Info) (Agent, error)

// Run statuses recorded in agent_run_end events.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusError     = "error"
)

// Session is one live agent conversation.
type Session struct {
	ID        string
	WorkDir   string
	Name      string
	Tags      []string
	CreatedAt time.Time
	Isolated  bool

	agent    Agent
	stream   *events.Stream
	logger   *slog.Logger
	onRunEnd func(*Session, events.RunEnd)

	mu         sync.Mutex
	running    bool
	closed     bool
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	lastActive time.Time
}

func (s *Session) Agent() Agent           { return s.agent }
func (s *Session) Stream() *events.Stream { return s.stream }

// LastActive is when the session last started or finished a run.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run records input as a user message and drives the agent until it
// finishes, fails or is aborted. The outcome is recorded as an
// agent_run_end event; the returned error is the agent's.
func (s *Session) Run(ctx context.Context, input string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelRun = cancel
	s.runDone = make(chan struct{})
	s.lastActive = time.Now()
	done := s.runDone
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancelRun = nil
		s.lastActive = time.Now()
		s.mu.Unlock()
		close(done)
	}()

	runID := uuid.NewString()
	if err := s.emit(events.UserMessage{Content: input}); err != nil {
		return err
	}
	if err := s.emit(events.RunStart{RunID: runID, Input: input}); err != nil {
		return err
	}

	err := s.agent.Run(runCtx, input, s.emit)

	end := events.RunEnd{RunID: runID, Status: StatusCompleted}
	switch {
	case err == nil:
	case runCtx.Err() != nil && errors.Is(err, context.Canceled):
		end.Status = StatusAborted
	default:
		end.Status = StatusError
		end.Error = err.Error()
		s.logger.Warn("session: agent run failed", "session", s.ID, "run", runID, "err", err)
	}
	if emitErr := s.emit(end); emitErr != nil && !errors.Is(emitErr, events.ErrStreamClosed) {
		s.logger.Warn("session: record run end", "session", s.ID, "err", emitErr)
	}
	if s.onRunEnd != nil {
		s.onRunEnd(s, end)
	}
	if end.Status == StatusAborted {
		return nil
	}
	return err
}

func (s *Session) emit(p events.Payload) error {
	ev, err := events.New(p)
	if err != nil {
		return err
	}
	_, err = s.stream.Append(ev)
	return err
}

// Abort cancels the in-progress run, if any.
func (s *Session) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun == nil {
		return false
	}
	s.cancelRun()
	return true
}

// Cleanup aborts any run, waits for it to wind down, closes the agent and
// freezes the stream. ctx bounds the wait.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.cancelRun != nil {
		s.cancelRun()
	}
	done := s.runDone
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for run: %w", ctx.Err())
		}
	}
	err := s.agent.Close(ctx)
	s.stream.Close()
	if err != nil {
		return fmt.Errorf("close agent: %w", err)
	}
	return nil
}

// Package agent holds the built-in development agent used when no other
// agent implementation is linked in.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/session"
)

// Echo streams the input back word by word, then records it as an
// assistant message and a final answer.
type Echo struct {
	// Delay is the pause between streamed words.
	Delay time.Duration
}

// NewEcho is a session.AgentFactory.
func NewEcho(delay time.Duration) session.AgentFactory {
	return func(ctx context.Context, info session.Info) (session.Agent, error) {
		return &Echo{Delay: delay}, nil
	}
}

func (e *Echo) Run(ctx context.Context, input string, emit session.Emitter) error {
	messageID := uuid.NewString()
	words := strings.Fields(input)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if err := emit(events.StreamingMessage{MessageID: messageID, Content: w}); err != nil {
			return err
		}
		if e.Delay > 0 {
			t := time.NewTimer(e.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := emit(events.StreamingMessage{MessageID: messageID, IsComplete: true}); err != nil {
		return err
	}
	if err := emit(events.AssistantMessage{MessageID: messageID, Content: input, FinishReason: "stop"}); err != nil {
		return err
	}
	return emit(events.FinalAnswer{Content: input, Format: "markdown"})
}

func (e *Echo) Close(ctx context.Context) error { return nil }

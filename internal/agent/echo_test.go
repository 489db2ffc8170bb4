package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/agent"
	"github.com/zsprackett/agent-relay/internal/events"
)

func TestEcho_StreamsThenAnswers(t *testing.T) {
	var got []events.Type
	emit := func(p events.Payload) error {
		got = append(got, p.Type())
		return nil
	}
	require.NoError(t, (&agent.Echo{}).Run(context.Background(), "hello there", emit))
	assert.Equal(t, []events.Type{
		events.TypeAssistantStreamingMessage,
		events.TypeAssistantStreamingMessage,
		events.TypeAssistantStreamingMessage,
		events.TypeAssistantMessage,
		events.TypeFinalAnswer,
	}, got)
}

func TestEcho_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &agent.Echo{Delay: time.Hour}
	emit := func(p events.Payload) error {
		cancel()
		return nil
	}
	assert.ErrorIs(t, e.Run(ctx, "one two three", emit), context.Canceled)
}

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/events"
)

func TestSummarize(t *testing.T) {
	cases := []struct {
		payload events.Payload
		want    string
	}{
		{events.UserMessage{Content: "draw\n  a fox"}, "draw a fox"},
		{events.ToolCall{ToolCallID: "c1", Name: "write_file"}, "write_file"},
		{events.ToolResult{Name: "write_file", Error: "disk full"}, "write_file: disk full"},
		{events.RunEnd{RunID: "r1", Status: "error", Error: "boom"}, "error: boom"},
		{events.SystemNote{Level: "warn", Message: "slow"}, "warn: slow"},
		{events.FinalAnswer{Content: strings.Repeat("x", 100)}, strings.Repeat("x", 57) + "..."},
	}
	for _, tc := range cases {
		ev, err := events.New(tc.payload)
		require.NoError(t, err)
		assert.Equal(t, tc.want, summarize(ev), "type %s", ev.Type)
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"sessions", "list"},
		{"sessions", "show"},
		{"sessions", "delete"},
		{"share"},
		{"hash-password"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

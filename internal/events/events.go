package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned when decoding an event whose type tag is not
// one of the types listed by Types.
var ErrUnknownType = errors.New("unknown event type")

// Type tags an Event and determines the shape of its Data.
type Type string

const (
	TypeUserMessage                       Type = "user_message"
	TypeAssistantMessage                  Type = "assistant_message"
	TypeAssistantStreamingMessage         Type = "assistant_streaming_message"
	TypeAssistantThinkingMessage          Type = "assistant_thinking_message"
	TypeAssistantStreamingThinkingMessage Type = "assistant_streaming_thinking_message"
	TypeToolCall                          Type = "tool_call"
	TypeToolResult                        Type = "tool_result"
	TypeFinalAnswer                       Type = "final_answer"
	TypeFinalAnswerStreaming              Type = "final_answer_streaming"
	TypeEnvironmentInput                  Type = "environment_input"
	TypeSystem                            Type = "system"
	TypeAgentRunStart                     Type = "agent_run_start"
	TypeAgentRunEnd                       Type = "agent_run_end"
)

// Types lists every known event type.
func Types() []Type {
	return []Type{
		TypeUserMessage,
		TypeAssistantMessage,
		TypeAssistantStreamingMessage,
		TypeAssistantThinkingMessage,
		TypeAssistantStreamingThinkingMessage,
		TypeToolCall,
		TypeToolResult,
		TypeFinalAnswer,
		TypeFinalAnswerStreaming,
		TypeEnvironmentInput,
		TypeSystem,
		TypeAgentRunStart,
		TypeAgentRunEnd,
	}
}

// Transient reports whether events of this type are in-progress deltas that
// a later non-streaming event supersedes. Transient events are never exported.
func (t Type) Transient() bool {
	switch t {
	case TypeAssistantStreamingMessage,
		TypeAssistantStreamingThinkingMessage,
		TypeFinalAnswerStreaming:
		return true
	case TypeUserMessage,
		TypeAssistantMessage,
		TypeAssistantThinkingMessage,
		TypeToolCall,
		TypeToolResult,
		TypeFinalAnswer,
		TypeEnvironmentInput,
		TypeSystem,
		TypeAgentRunStart,
		TypeAgentRunEnd:
		return false
	}
	return false
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one entry in a session's ordered log.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is the typed body of an Event. The set of implementations is
// closed: every Payload is declared in this package.
type Payload interface {
	Type() Type
	sealed()
}

// New builds an unsequenced Event carrying p. Seq, ID and Timestamp are
// assigned by Stream.Append.
func New(p Payload) (Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
	}
	return Event{Type: p.Type(), Data: data}, nil
}

// WithPayload returns a copy of e whose Data is replaced by p. Identity and
// position are kept.
func (e Event) WithPayload(p Payload) (Event, error) {
	if p.Type() != e.Type {
		return Event{}, fmt.Errorf("payload type %s does not match event type %s", p.Type(), e.Type)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
	}
	e.Data = data
	return e, nil
}

// Decode returns the typed payload of e.
func (e Event) Decode() (Payload, error) {
	switch e.Type {
	case TypeUserMessage:
		return decode[UserMessage](e)
	case TypeAssistantMessage:
		return decode[AssistantMessage](e)
	case TypeAssistantStreamingMessage:
		return decode[StreamingMessage](e)
	case TypeAssistantThinkingMessage:
		return decode[ThinkingMessage](e)
	case TypeAssistantStreamingThinkingMessage:
		return decode[StreamingThinking](e)
	case TypeToolCall:
		return decode[ToolCall](e)
	case TypeToolResult:
		return decode[ToolResult](e)
	case TypeFinalAnswer:
		return decode[FinalAnswer](e)
	case TypeFinalAnswerStreaming:
		return decode[FinalAnswerStreaming](e)
	case TypeEnvironmentInput:
		return decode[EnvironmentInput](e)
	case TypeSystem:
		return decode[SystemNote](e)
	case TypeAgentRunStart:
		return decode[RunStart](e)
	case TypeAgentRunEnd:
		return decode[RunEnd](e)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
}

func decode[T Payload](e Event) (Payload, error) {
	var p T
	if len(e.Data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("decode %s event %d: %w", e.Type, e.Seq, err)
	}
	return p, nil
}

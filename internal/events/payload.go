package events

import "encoding/json"

// ContentPart is one element of a multi-part user message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// UserMessage is input authored by the user. Content is either a plain
// string or a list of parts on the wire.
type UserMessage struct {
	Content string        `json:"-"`
	Parts   []ContentPart `json:"-"`
}

// Text returns the string content, or the first text part when the message
// is multi-part.
func (m UserMessage) Text() string {
	if m.Content != "" {
		return m.Content
	}
	for _, p := range m.Parts {
		if p.Type == "text" {
			return p.Text
		}
	}
	return ""
}

type userMessageWire struct {
	Content json.RawMessage `json:"content"`
}

func (m UserMessage) MarshalJSON() ([]byte, error) {
	var content any = m.Content
	if len(m.Parts) > 0 {
		content = m.Parts
	}
	return json.Marshal(struct {
		Content any `json:"content"`
	}{content})
}

func (m *UserMessage) UnmarshalJSON(data []byte) error {
	var w userMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = UserMessage{}
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return json.Unmarshal(w.Content, &m.Content)
}

type AssistantMessage struct {
	MessageID    string     `json:"messageId,omitempty"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
}

type StreamingMessage struct {
	MessageID  string `json:"messageId,omitempty"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete,omitempty"`
}

type ThinkingMessage struct {
	Content  string `json:"content"`
	Duration int64  `json:"duration,omitempty"`
}

type StreamingThinking struct {
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete,omitempty"`
}

// ToolCall records the agent invoking a tool. Arguments is the decoded JSON
// argument object.
type ToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Content    any    `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs,omitempty"`
}

type FinalAnswer struct {
	Content string `json:"content"`
	Format  string `json:"format,omitempty"`
}

type FinalAnswerStreaming struct {
	MessageID  string `json:"messageId,omitempty"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete,omitempty"`
}

type EnvironmentInput struct {
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// SystemNote is a runtime notice such as a warning or an error surfaced to
// observers.
type SystemNote struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type RunStart struct {
	RunID string `json:"runId"`
	Input string `json:"input,omitempty"`
}

// RunEnd closes a run. Status is one of "completed", "aborted" or "error".
type RunEnd struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (UserMessage) Type() Type          { return TypeUserMessage }
func (AssistantMessage) Type() Type     { return TypeAssistantMessage }
func (StreamingMessage) Type() Type     { return TypeAssistantStreamingMessage }
func (ThinkingMessage) Type() Type      { return TypeAssistantThinkingMessage }
func (StreamingThinking) Type() Type    { return TypeAssistantStreamingThinkingMessage }
func (ToolCall) Type() Type             { return TypeToolCall }
func (ToolResult) Type() Type           { return TypeToolResult }
func (FinalAnswer) Type() Type          { return TypeFinalAnswer }
func (FinalAnswerStreaming) Type() Type { return TypeFinalAnswerStreaming }
func (EnvironmentInput) Type() Type     { return TypeEnvironmentInput }
func (SystemNote) Type() Type           { return TypeSystem }
func (RunStart) Type() Type             { return TypeAgentRunStart }
func (RunEnd) Type() Type               { return TypeAgentRunEnd }

func (UserMessage) sealed()          {}
func (AssistantMessage) sealed()     {}
func (StreamingMessage) sealed()     {}
func (ThinkingMessage) sealed()      {}
func (StreamingThinking) sealed()    {}
func (ToolCall) sealed()             {}
func (ToolResult) sealed()           {}
func (FinalAnswer) sealed()          {}
func (FinalAnswerStreaming) sealed() {}
func (EnvironmentInput) sealed()     {}
func (SystemNote) sealed()           {}
func (RunStart) sealed()             {}
func (RunEnd) sealed()               {}

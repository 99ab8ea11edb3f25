package stream

import "encoding/json"

// EventType identifies the inner event carried by a frame
type EventType string

const (
	EventText        EventType = "text"
	EventToolCalls   EventType = "tool_calls"
	EventToolResult  EventType = "tool_result"
	EventChatInfo    EventType = "chat_info"
	EventMessageInfo EventType = "message_info"
	EventError       EventType = "error"
)

// ToolCall is one tool invocation announced by the server
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the payload returned for one tool invocation
type ToolResult struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result"`
}

// ChatInfo carries the persisted identity of the chat
type ChatInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageInfo carries server-assigned ids for the current turn
type MessageInfo struct {
	UserMessageID      string `json:"userMessageId,omitempty"`
	AssistantMessageID string `json:"assistantMessageId,omitempty"`
}

// Event is a decoded inner event. Only the field matching Type is set.
type Event struct {
	Type EventType

	// Text holds the delta for text events and the message for errors
	Text        string
	ToolCalls   []ToolCall
	ToolResult  *ToolResult
	ChatInfo    *ChatInfo
	MessageInfo *MessageInfo

	// Envelope is true when the error came from the outer envelope
	// rather than an inner error event
	Envelope bool
}

// IsError reports whether the event ends the session with an error
func (e Event) IsError() bool {
	return e.Type == EventError
}

// NamedCalls returns how many calls carry a non-empty tool name
func NamedCalls(calls []ToolCall) int {
	n := 0
	for _, call := range calls {
		if call.Name != "" {
			n++
		}
	}
	return n
}

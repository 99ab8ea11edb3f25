package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/killallgit/divechat/pkg/logger"
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

// Kind tags a persisted record
type Kind string

const (
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Record is one persisted turn as returned by the history endpoint
type Record struct {
	ID          string              `json:"id"`
	MessageID   string              `json:"messageId,omitempty"`
	Role        Kind                `json:"role"`
	Content     json.RawMessage     `json:"content"`
	CreatedAt   time.Time           `json:"createdAt"`
	Files       []transcript.File   `json:"files,omitempty"`
	ToolCalls   []stream.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []json.RawMessage   `json:"toolResults,omitempty"`
	Sources     []transcript.Source `json:"sources,omitempty"`
}

// Meta is shared by every turn variant
type Meta struct {
	ID        string
	CreatedAt time.Time
	Files     []transcript.File
}

// Turn is one of UserTurn, AssistantTurn, ToolCallTurn or ToolResultTurn
type Turn interface {
	Kind() Kind
	meta() Meta
}

type UserTurn struct {
	Meta
	Text string
}

// AssistantTurn is model output. ToolCalls and ToolResults carry the tool
// batch when the backend stored it on the assistant record itself rather
// than as separate tool records.
type AssistantTurn struct {
	Meta
	Text        string
	ToolCalls   []stream.ToolCall
	ToolResults []json.RawMessage
	Sources     []transcript.Source
}

type ToolCallTurn struct {
	Meta
	Calls []stream.ToolCall
}

type ToolResultTurn struct {
	Meta
	Result stream.ToolResult
}

func (UserTurn) Kind() Kind       { return KindUser }
func (AssistantTurn) Kind() Kind  { return KindAssistant }
func (ToolCallTurn) Kind() Kind   { return KindToolCall }
func (ToolResultTurn) Kind() Kind { return KindToolResult }

func (t UserTurn) meta() Meta       { return t.Meta }
func (t AssistantTurn) meta() Meta  { return t.Meta }
func (t ToolCallTurn) meta() Meta   { return t.Meta }
func (t ToolResultTurn) meta() Meta { return t.Meta }

// Decode turns raw records into typed turns. Records that cannot be decoded
// are skipped with a warning.
func Decode(records []Record) []Turn {
	log := logger.WithComponent("history")

	turns := make([]Turn, 0, len(records))
	for _, rec := range records {
		turn, err := decodeRecord(rec)
		if err != nil {
			log.Warn("Skipping persisted record", "id", rec.ID, "role", rec.Role, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}

func decodeRecord(rec Record) (Turn, error) {
	meta := Meta{
		ID:        rec.MessageID,
		CreatedAt: rec.CreatedAt,
		Files:     rec.Files,
	}
	if meta.ID == "" {
		meta.ID = rec.ID
	}

	switch rec.Role {
	case KindUser:
		text, err := contentText(rec.Content)
		if err != nil {
			return nil, err
		}
		return UserTurn{Meta: meta, Text: text}, nil

	case KindAssistant:
		text, err := contentText(rec.Content)
		if err != nil {
			return nil, err
		}
		return AssistantTurn{
			Meta:        meta,
			Text:        text,
			ToolCalls:   rec.ToolCalls,
			ToolResults: rec.ToolResults,
			Sources:     rec.Sources,
		}, nil

	case KindToolCall:
		var calls []stream.ToolCall
		if err := contentJSON(rec.Content, &calls); err != nil {
			return nil, fmt.Errorf("tool calls: %w", err)
		}
		if len(calls) == 0 {
			calls = rec.ToolCalls
		}
		return ToolCallTurn{Meta: meta, Calls: calls}, nil

	case KindToolResult:
		var result stream.ToolResult
		if err := contentJSON(rec.Content, &result); err != nil {
			return nil, fmt.Errorf("tool result: %w", err)
		}
		return ToolResultTurn{Meta: meta, Result: result}, nil
	}

	return nil, fmt.Errorf("unknown role %q", rec.Role)
}

// contentText reads a text record's content, which is a JSON string or
// absent
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("content: %w", err)
	}
	return text, nil
}

// contentJSON decodes a tool record's content. The backend stores it
// either as JSON or as a JSON-encoded string of JSON.
func contentJSON(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	return json.Unmarshal(raw, v)
}

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned for frames whose JSON cannot be decoded.
// Callers skip such frames and keep reading.
var ErrMalformedFrame = errors.New("malformed frame")

type envelope struct {
	Message *string `json:"message"`
	Error   string  `json:"error,omitempty"`
}

type innerEvent struct {
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ParseFrame decodes the outer envelope of a frame payload and then the
// inner typed event it carries
func ParseFrame(payload string) (Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}

	if env.Error != "" {
		return Event{Type: EventError, Text: env.Error, Envelope: true}, nil
	}
	if env.Message == nil {
		return Event{}, fmt.Errorf("%w: envelope has neither message nor error", ErrMalformedFrame)
	}

	var inner innerEvent
	if err := json.Unmarshal([]byte(*env.Message), &inner); err != nil {
		return Event{}, fmt.Errorf("%w: message: %v", ErrMalformedFrame, err)
	}

	ev, err := decodeContent(inner)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s content: %v", ErrMalformedFrame, inner.Type, err)
	}
	return ev, nil
}

func decodeContent(inner innerEvent) (Event, error) {
	ev := Event{Type: inner.Type}

	switch inner.Type {
	case EventText, EventError:
		if err := json.Unmarshal(inner.Content, &ev.Text); err != nil {
			return Event{}, err
		}

	case EventToolCalls:
		if len(inner.Content) > 0 && string(inner.Content) != "null" {
			if err := json.Unmarshal(inner.Content, &ev.ToolCalls); err != nil {
				return Event{}, err
			}
		}

	case EventToolResult:
		var result ToolResult
		if err := json.Unmarshal(inner.Content, &result); err != nil {
			return Event{}, err
		}
		ev.ToolResult = &result

	case EventChatInfo:
		var info ChatInfo
		if err := json.Unmarshal(inner.Content, &info); err != nil {
			return Event{}, err
		}
		ev.ChatInfo = &info

	case EventMessageInfo:
		var info MessageInfo
		if err := json.Unmarshal(inner.Content, &info); err != nil {
			return Event{}, err
		}
		ev.MessageInfo = &info
	}

	return ev, nil
}

// EncodeFrame builds a complete "data: " line for an inner event, in the
// shape the backend emits
func EncodeFrame(eventType EventType, content any) (string, error) {
	raw, err := json.Marshal(struct {
		Type    EventType `json:"type"`
		Content any       `json:"content"`
	}{eventType, content})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := string(raw)
	line, err := json.Marshal(envelope{Message: &msg})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return dataPrefix + string(line) + "\n", nil
}

// EncodeErrorFrame builds a "data: " line carrying an envelope error
func EncodeErrorFrame(message string) string {
	line, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{message})
	return dataPrefix + string(line) + "\n"
}

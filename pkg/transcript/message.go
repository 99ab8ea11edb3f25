package transcript

import (
	"strings"
	"time"
)

// Role tells which side of the conversation produced a message
type Role string

const (
	RoleSent     Role = "sent"
	RoleReceived Role = "received"
)

// File is a reference to an attachment sent with a message
type File struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Source is a citation attached to a message. URLs are unique per message.
type Source struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// Message is one transcript entry
type Message struct {
	ID        string
	Role      Role
	Timestamp time.Time
	Files     []File
	Sources   []Source
	IsError   bool
	Body      Body
}

const errorPrefix = "Error: "

func NewUserMessage(id, text string, files []File, ts time.Time) Message {
	return Message{
		ID:        id,
		Role:      RoleSent,
		Timestamp: ts,
		Files:     files,
		Body:      TextBody(text),
	}
}

// NewPlaceholder creates the empty assistant message a stream writes into
func NewPlaceholder(id string, ts time.Time) Message {
	return Message{
		ID:        id,
		Role:      RoleReceived,
		Timestamp: ts,
	}
}

func NewErrorMessage(id, reason string, ts time.Time) Message {
	return Message{
		ID:        id,
		Role:      RoleReceived,
		Timestamp: ts,
		IsError:   true,
		Body:      TextBody(errorPrefix + reason),
	}
}

func (m Message) IsSent() bool {
	return m.Role == RoleSent
}

// Text renders the message in the wire-compatible text grammar: text
// segments verbatim, tool blocks as <tool-call> regions and the sources as
// a trailing <data-source> region.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Body.Render())
	if len(m.Sources) > 0 {
		b.WriteString(renderSources(m.Sources))
	}
	return b.String()
}

// PlainText returns only the human-readable text segments
func (m Message) PlainText() string {
	return m.Body.Plain()
}

// IsEmpty reports whether nothing has been written to the message yet
func (m Message) IsEmpty() bool {
	return len(m.Body) == 0 && len(m.Sources) == 0
}

// Clone returns a deep copy that shares no slices with m
func (m Message) Clone() Message {
	out := m
	if m.Files != nil {
		out.Files = append([]File(nil), m.Files...)
	}
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	out.Body = m.Body.Clone()
	return out
}

// FindMessage returns the index of the message with the given id, or -1
func FindMessage(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

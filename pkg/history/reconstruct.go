package history

import (
	"fmt"

	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

// Options configure reconstruction
type Options struct {
	Transcript transcript.Options
	// NewID names messages whose records carry no id. Defaults to a
	// counter that restarts on every call.
	NewID func() string
}

// builder folds turns into messages. While an assistant message is open
// every turn is replayed as the stream event it was persisted from, into
// the same StreamingSession the live reducer uses.
type builder struct {
	opts    Options
	msgs    []transcript.Message
	session *transcript.StreamingSession
	sources []transcript.Source
}

// Reconstruct rebuilds the transcript from persisted turns. The result
// matches what a live session would have shown for the same events, and
// it depends only on the input.
func Reconstruct(turns []Turn, opts Options) []transcript.Message {
	if opts.NewID == nil {
		n := 0
		opts.NewID = func() string {
			n++
			return fmt.Sprintf("history-%d", n)
		}
	}

	b := &builder{opts: opts}
	for i, turn := range turns {
		var next Turn
		if i+1 < len(turns) {
			next = turns[i+1]
		}
		b.apply(turn, next)
	}
	b.closeAssistant()
	return b.msgs
}

// FromRecords decodes and reconstructs in one step
func FromRecords(records []Record, opts Options) []transcript.Message {
	return Reconstruct(Decode(records), opts)
}

func (b *builder) apply(turn, next Turn) {
	if turn.Kind() == KindUser {
		b.closeAssistant()
	} else {
		b.openAssistant(turn.meta())
	}

	switch t := turn.(type) {
	case UserTurn:
		b.msgs = append(b.msgs, transcript.NewUserMessage(b.id(t.Meta), t.Text, append([]transcript.File(nil), t.Files...), t.CreatedAt))

	case AssistantTurn:
		b.session.Apply(stream.Event{Type: stream.EventText, Text: t.Text})
		if b.opts.Transcript.SourcesMode != transcript.SourcesEndpoint {
			b.sources = transcript.MergeSources(b.sources, t.Sources)
		}

		// Tool batch stored on the assistant record itself
		if len(t.ToolCalls) > 0 && !isKind(next, KindToolCall) {
			b.session.Apply(stream.Event{Type: stream.EventToolCalls, ToolCalls: t.ToolCalls})
			for i, result := range t.ToolResults {
				b.session.Apply(stream.Event{
					Type:       stream.EventToolResult,
					ToolResult: &stream.ToolResult{Name: callName(t.ToolCalls, i), Result: result},
				})
			}
			if len(t.ToolResults) > 0 && !isKind(next, KindToolResult) {
				b.session.Flush()
			}
		}

	case ToolCallTurn:
		b.session.Apply(stream.Event{Type: stream.EventToolCalls, ToolCalls: t.Calls})

	case ToolResultTurn:
		result := t.Result
		b.session.Apply(stream.Event{Type: stream.EventToolResult, ToolResult: &result})
		if !isKind(next, KindToolResult) {
			b.session.Flush()
		}
	}
}

// openAssistant makes sure the last message is an assistant message backed
// by a session, starting one after a user turn
func (b *builder) openAssistant(meta Meta) {
	if b.session != nil {
		if len(meta.Files) > 0 {
			b.attachFiles(meta.Files)
		}
		return
	}

	b.msgs = append(b.msgs, transcript.NewPlaceholder(b.id(meta), meta.CreatedAt))
	b.session = transcript.NewStreamingSession(b.opts.Transcript)
	b.sources = nil
	if len(meta.Files) > 0 {
		b.attachFiles(meta.Files)
	}
}

// closeAssistant writes the session into the open assistant message
func (b *builder) closeAssistant() {
	if b.session == nil {
		return
	}
	b.session.Flush()

	last := &b.msgs[len(b.msgs)-1]
	last.Body = b.session.Body()
	last.Sources = transcript.MergeSources(b.session.Sources(), b.sources)
	b.session = nil
	b.sources = nil
}

// attachFiles merges an assistant record's attachments onto the user
// message that precedes the open assistant message
func (b *builder) attachFiles(files []transcript.File) {
	for i := len(b.msgs) - 2; i >= 0; i-- {
		if b.msgs[i].IsSent() {
			b.msgs[i].Files = append(b.msgs[i].Files, files...)
			return
		}
	}
	last := &b.msgs[len(b.msgs)-1]
	last.Files = append(last.Files, files...)
}

func (b *builder) id(meta Meta) string {
	if meta.ID != "" {
		return meta.ID
	}
	return b.opts.NewID()
}

func isKind(turn Turn, kind Kind) bool {
	return turn != nil && turn.Kind() == kind
}

func callName(calls []stream.ToolCall, i int) string {
	if i < len(calls) {
		return calls[i].Name
	}
	return ""
}

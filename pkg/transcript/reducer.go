package transcript

import (
	"time"

	"github.com/killallgit/divechat/pkg/stream"
)

// Outcome tells the caller what a reduction means beyond the new list
type Outcome struct {
	// Terminal is set for error events; the rest of the current read is dropped
	Terminal bool
	// ChatInfo is set when the server assigned the chat identity
	ChatInfo *stream.ChatInfo
	// Changed reports whether the message list differs from the input
	Changed bool
}

// Reducer folds stream events into a message list. The last message of
// the list is the assistant placeholder the session writes into.
type Reducer struct {
	Session *StreamingSession
	NewID   func() string
	Now     func() time.Time
}

func NewReducer(session *StreamingSession, newID func() string) *Reducer {
	return &Reducer{
		Session: session,
		NewID:   newID,
		Now:     time.Now,
	}
}

// Reduce returns the list that results from applying ev to msgs. msgs is
// never modified.
func (r *Reducer) Reduce(msgs []Message, ev stream.Event) ([]Message, Outcome) {
	switch ev.Type {
	case stream.EventText, stream.EventToolCalls, stream.EventToolResult:
		if len(msgs) == 0 || !r.Session.Apply(ev) {
			return msgs, Outcome{}
		}
		next := copyList(msgs)
		last := next[len(next)-1]
		last.Body = r.Session.Body()
		if sources := r.Session.Sources(); len(sources) > 0 {
			last.Sources = sources
		}
		next[len(next)-1] = last
		return next, Outcome{Changed: true}

	case stream.EventChatInfo:
		if ev.ChatInfo == nil {
			return msgs, Outcome{}
		}
		return msgs, Outcome{ChatInfo: ev.ChatInfo}

	case stream.EventMessageInfo:
		return r.backfillIDs(msgs, ev.MessageInfo)

	case stream.EventError:
		return r.ReplaceWithError(msgs, ev.Text), Outcome{Terminal: true, Changed: true}
	}

	return msgs, Outcome{}
}

// Finish flushes the session and writes the final body into the placeholder
func (r *Reducer) Finish(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	if _, open := r.Session.OpenBatch(); !open {
		return msgs
	}
	r.Session.Flush()
	next := copyList(msgs)
	next[len(next)-1].Body = r.Session.Body()
	return next
}

// ReplaceWithError swaps the last message for a fresh error message
func (r *Reducer) ReplaceWithError(msgs []Message, reason string) []Message {
	errMsg := NewErrorMessage(r.NewID(), reason, r.Now())
	if len(msgs) == 0 {
		return []Message{errMsg}
	}
	next := copyList(msgs)
	next[len(next)-1] = errMsg
	return next
}

func (r *Reducer) backfillIDs(msgs []Message, info *stream.MessageInfo) ([]Message, Outcome) {
	if info == nil || len(msgs) == 0 {
		return msgs, Outcome{}
	}
	next := copyList(msgs)
	changed := false
	if info.UserMessageID != "" && len(next) >= 2 {
		next[len(next)-2].ID = info.UserMessageID
		changed = true
	}
	if info.AssistantMessageID != "" {
		next[len(next)-1].ID = info.AssistantMessageID
		changed = true
	}
	if !changed {
		return msgs, Outcome{}
	}
	return next, Outcome{Changed: true}
}

func copyList(msgs []Message) []Message {
	next := make([]Message, len(msgs))
	copy(next, msgs)
	return next
}

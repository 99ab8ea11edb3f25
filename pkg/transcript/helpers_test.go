package transcript_test

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

var epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func textEvent(delta string) stream.Event {
	return stream.Event{Type: stream.EventText, Text: delta}
}

func callsEvent(names ...string) stream.Event {
	calls := make([]stream.ToolCall, 0, len(names))
	for _, name := range names {
		calls = append(calls, stream.ToolCall{Name: name, Arguments: json.RawMessage(`{"q":"x"}`)})
	}
	return stream.Event{Type: stream.EventToolCalls, ToolCalls: calls}
}

func resultEvent(name, payload string) stream.Event {
	return stream.Event{
		Type:       stream.EventToolResult,
		ToolResult: &stream.ToolResult{Name: name, Result: json.RawMessage(payload)},
	}
}

func counterIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}
}

func newReducer(opts transcript.Options) *transcript.Reducer {
	r := transcript.NewReducer(transcript.NewStreamingSession(opts), counterIDs())
	r.Now = func() time.Time { return epoch }
	return r
}

func startTurn(text string) []transcript.Message {
	return []transcript.Message{
		transcript.NewUserMessage("u1", text, nil, epoch),
		transcript.NewPlaceholder("a1", epoch),
	}
}

func reduceAll(r *transcript.Reducer, msgs []transcript.Message, events ...stream.Event) []transcript.Message {
	for _, ev := range events {
		msgs, _ = r.Reduce(msgs, ev)
	}
	return msgs
}

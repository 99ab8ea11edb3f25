package transcript

import (
	"encoding/json"

	"github.com/killallgit/divechat/pkg/stream"
)

// BatchState is the lifecycle of one batch of tool calls
type BatchState int

const (
	// BatchCollecting: calls announced, no result yet
	BatchCollecting BatchState = iota
	// BatchAwaiting: some results received, more expected
	BatchAwaiting
	// BatchComplete: every expected result arrived
	BatchComplete
)

func (s BatchState) String() string {
	switch s {
	case BatchCollecting:
		return "collecting-calls"
	case BatchAwaiting:
		return "awaiting-results"
	case BatchComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Batch accumulates the calls announced by one or more tool_calls events
// and the results answering them
type Batch struct {
	state    BatchState
	names    []string
	seen     map[string]bool
	calls    []stream.ToolCall
	results  []json.RawMessage
	expected int
}

func NewBatch() *Batch {
	return &Batch{seen: make(map[string]bool)}
}

func (b *Batch) State() BatchState {
	return b.state
}

// Expected is how many results complete the batch. Calls without a name
// are not counted unless no call has one.
func (b *Batch) Expected() int {
	if b.expected > 0 {
		return b.expected
	}
	if len(b.calls) > 0 {
		return len(b.calls)
	}
	return 1
}

func (b *Batch) Received() int {
	return len(b.results)
}

// AddCalls merges another tool_calls announcement into the batch
func (b *Batch) AddCalls(calls []stream.ToolCall) {
	if b.state == BatchComplete {
		return
	}
	for _, call := range calls {
		b.calls = append(b.calls, call)
		if call.Name != "" {
			b.addName(call.Name)
		}
	}
	b.expected += stream.NamedCalls(calls)
}

// Resolve records one result and reports whether the batch is now complete
func (b *Batch) Resolve(name string, result json.RawMessage) bool {
	if b.state == BatchComplete {
		return true
	}

	// No call was named: the first resolved tool names the block
	if len(b.names) == 0 && name != "" {
		b.addName(name)
	}

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	b.results = append(b.results, result)

	if len(b.results) >= b.Expected() {
		b.state = BatchComplete
		return true
	}
	b.state = BatchAwaiting
	return false
}

// Block snapshots the batch as a tool block
func (b *Batch) Block() ToolBlock {
	return ToolBlock{
		Names:    append([]string(nil), b.names...),
		Calls:    append([]stream.ToolCall(nil), b.calls...),
		Results:  append([]json.RawMessage(nil), b.results...),
		Complete: b.state == BatchComplete,
	}
}

func (b *Batch) addName(name string) {
	if b.seen[name] {
		return
	}
	b.seen[name] = true
	b.names = append(b.names, name)
}

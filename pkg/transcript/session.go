package transcript

import (
	"strings"

	"github.com/killallgit/divechat/pkg/stream"
)

// SourcesMode selects the single authoritative mechanism for citations
type SourcesMode string

const (
	// SourcesInline takes citations from <SOURCES> markers in tool results
	SourcesInline SourcesMode = "inline"
	// SourcesEndpoint takes citations from the sources endpoint after the
	// stream ends; inline markers are stripped but not attached
	SourcesEndpoint SourcesMode = "endpoint"
)

// Options tune how a session folds tool results
type Options struct {
	RetrievalTool string
	SourcesMode   SourcesMode
}

func DefaultOptions() Options {
	return Options{
		RetrievalTool: defaultRetrieval,
		SourcesMode:   SourcesInline,
	}
}

// StreamingSession holds the state accumulated while one response is
// decoded: the committed body, the open tool batch, text that arrived
// while the batch was open, and the citations seen so far.
type StreamingSession struct {
	opts     Options
	body     Body
	batch    *Batch
	deferred strings.Builder
	sources  []Source
	applied  int
}

func NewStreamingSession(opts Options) *StreamingSession {
	if opts.RetrievalTool == "" {
		opts.RetrievalTool = defaultRetrieval
	}
	if opts.SourcesMode == "" {
		opts.SourcesMode = SourcesInline
	}
	return &StreamingSession{opts: opts}
}

// Apply folds one content event into the session. Events that do not
// carry message content are ignored and return false.
func (s *StreamingSession) Apply(ev stream.Event) bool {
	switch ev.Type {
	case stream.EventText:
		s.appendText(ev.Text)

	case stream.EventToolCalls:
		if s.batch == nil {
			s.batch = NewBatch()
		}
		s.batch.AddCalls(ev.ToolCalls)

	case stream.EventToolResult:
		if ev.ToolResult == nil {
			return false
		}
		s.resolve(*ev.ToolResult)

	default:
		return false
	}

	s.applied++
	return true
}

// Applied counts the content events folded so far
func (s *StreamingSession) Applied() int {
	return s.applied
}

// OpenBatch returns the batch still waiting for results, if any
func (s *StreamingSession) OpenBatch() (*Batch, bool) {
	return s.batch, s.batch != nil
}

// Flush commits an unfinished batch as a pending block followed by the
// text deferred behind it. Called when the input ends.
func (s *StreamingSession) Flush() {
	if s.batch == nil {
		return
	}
	s.commitBatch()
}

// Body returns a snapshot of what the message shows right now
func (s *StreamingSession) Body() Body {
	body := s.body.Clone()
	if s.batch != nil {
		body = body.AppendTool(s.batch.Block())
		body = body.AppendText(s.deferred.String())
	}
	return body
}

func (s *StreamingSession) Sources() []Source {
	return append([]Source(nil), s.sources...)
}

func (s *StreamingSession) appendText(delta string) {
	if s.batch != nil {
		s.deferred.WriteString(delta)
		return
	}
	s.body = s.body.AppendText(delta)
}

func (s *StreamingSession) resolve(result stream.ToolResult) {
	payload := result.Result
	if result.Name == s.opts.RetrievalTool {
		if found, stripped, ok := ExtractSources(payload); ok {
			payload = stripped
			if s.opts.SourcesMode == SourcesInline {
				s.sources = MergeSources(s.sources, found)
			}
		}
	}

	// A result with no announced calls still gets a block of its own
	if s.batch == nil {
		s.batch = NewBatch()
	}
	if s.batch.Resolve(result.Name, payload) {
		s.commitBatch()
	}
}

func (s *StreamingSession) commitBatch() {
	s.body = s.body.AppendTool(s.batch.Block())
	s.body = s.body.AppendText(s.deferred.String())
	s.batch = nil
	s.deferred.Reset()
}

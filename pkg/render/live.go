package render

import (
	"io"
	"sync"

	"github.com/killallgit/divechat/pkg/session"
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

// Live prints the reply of a streaming request as it grows. Text is written
// as it arrives; a tool block is written once its results are in, or when
// the request ends.
type Live struct {
	mu sync.Mutex
	w  io.Writer
	r  *Renderer

	last    transcript.Message
	segs    int // segments fully written
	offset  int // bytes of segment segs already written
	started bool
	done    bool
	sources int
}

func NewLive(w io.Writer, r *Renderer) *Live {
	return &Live{w: w, r: r}
}

// MessagesChanged implements session.Observer
func (l *Live) MessagesChanged(msgs []transcript.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.IsSent() {
		return
	}

	if l.done {
		// late sources from the sources endpoint
		if last.ID == l.last.ID {
			l.last = last
			l.writeSources()
		}
		return
	}
	l.last = last
	if !last.IsError {
		l.write(last.Body, false)
	}
}

// ChatInfoChanged implements session.Observer
func (l *Live) ChatInfoChanged(stream.ChatInfo, bool) {}

// StateChanged implements session.Observer
func (l *Live) StateChanged(state session.State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state.Active() {
		l.started = true
		l.last = transcript.Message{}
		l.segs, l.offset, l.sources = 0, 0, 0
		l.done = false
		return
	}
	if !l.started || l.done {
		return
	}

	if l.last.IsError {
		io.WriteString(l.w, "\n"+l.r.Error(l.last.PlainText()))
	} else {
		l.write(l.last.Body, true)
		l.writeSources()
	}
	io.WriteString(l.w, "\n")
	l.done = true
}

func (l *Live) write(body transcript.Body, final bool) {
	for l.segs < len(body) {
		seg := body[l.segs]
		if seg.Tool == nil {
			if l.offset < len(seg.Text) {
				io.WriteString(l.w, seg.Text[l.offset:])
				l.offset = len(seg.Text)
			}
			if l.segs == len(body)-1 && !final {
				return
			}
			l.segs++
			l.offset = 0
			continue
		}

		if !seg.Tool.Complete && !final {
			return
		}
		io.WriteString(l.w, "\n"+l.r.ToolBlock(*seg.Tool)+"\n")
		l.segs++
		l.offset = 0
	}
}

func (l *Live) writeSources() {
	if len(l.last.Sources) <= l.sources {
		return
	}
	io.WriteString(l.w, "\n"+l.r.Sources(l.last.Sources)+"\n")
	l.sources = len(l.last.Sources)
}

var _ session.Observer = (*Live)(nil)

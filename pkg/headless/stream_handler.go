package headless

import (
	"github.com/killallgit/divechat/pkg/session"
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

// statusHandler reports chat and request state on the status output. The
// reply text itself is printed by render.Live.
type statusHandler struct {
	out *Output
}

func newStatusHandler(out *Output) *statusHandler {
	return &statusHandler{out: out}
}

func (h *statusHandler) MessagesChanged([]transcript.Message) {}

func (h *statusHandler) ChatInfoChanged(info stream.ChatInfo, created bool) {
	if !created {
		return
	}
	if info.Title != "" {
		h.out.Info("new chat %s: %s", info.ID, info.Title)
		return
	}
	h.out.Info("new chat %s", info.ID)
}

func (h *statusHandler) StateChanged(state session.State) {
	switch state {
	case session.StateCancelled:
		h.out.Warn("response aborted")
	case session.StateError:
		h.out.Error("response failed")
	}
}

var _ session.Observer = (*statusHandler)(nil)

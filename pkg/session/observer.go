package session

import (
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

// Observer is notified of every change the controller publishes. Calls are
// made from the goroutine driving the request, never while the controller
// holds its lock.
type Observer interface {
	// MessagesChanged receives the whole list; it must not be modified
	MessagesChanged(msgs []transcript.Message)

	// ChatInfoChanged is called when the backend assigns the chat identity.
	// created is true when the chat did not exist before this request.
	ChatInfoChanged(info stream.ChatInfo, created bool)

	// StateChanged is called when a request starts and when it ends
	StateChanged(state State)
}

// ObserverFunc is a function adapter for the Observer interface
type ObserverFunc struct {
	MessagesFunc func(msgs []transcript.Message)
	ChatInfoFunc func(info stream.ChatInfo, created bool)
	StateFunc    func(state State)
}

// MessagesChanged implements Observer
func (o ObserverFunc) MessagesChanged(msgs []transcript.Message) {
	if o.MessagesFunc != nil {
		o.MessagesFunc(msgs)
	}
}

// ChatInfoChanged implements Observer
func (o ObserverFunc) ChatInfoChanged(info stream.ChatInfo, created bool) {
	if o.ChatInfoFunc != nil {
		o.ChatInfoFunc(info, created)
	}
}

// StateChanged implements Observer
func (o ObserverFunc) StateChanged(state State) {
	if o.StateFunc != nil {
		o.StateFunc(state)
	}
}

// MultiObserver fans notifications out to several observers
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

func (m *MultiObserver) MessagesChanged(msgs []transcript.Message) {
	for _, o := range m.observers {
		o.MessagesChanged(msgs)
	}
}

func (m *MultiObserver) ChatInfoChanged(info stream.ChatInfo, created bool) {
	for _, o := range m.observers {
		o.ChatInfoChanged(info, created)
	}
}

func (m *MultiObserver) StateChanged(state State) {
	for _, o := range m.observers {
		o.StateChanged(state)
	}
}

var (
	_ Observer = ObserverFunc{}
	_ Observer = (*MultiObserver)(nil)
)

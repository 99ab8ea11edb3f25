package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/killallgit/divechat/pkg/transcript"
)

// MockMemory is an in-memory TranscriptStore for testing
type MockMemory struct {
	mu      sync.Mutex
	chats   map[string]mockChat
	updates int
	Closed  bool

	// Error injection for testing
	SaveError   error
	LoadError   error
	DeleteError error
	ClearError  error
}

type mockChat struct {
	title    string
	msgs     []transcript.Message
	sequence int
}

// NewMockMemory creates a new mock transcript store
func NewMockMemory() *MockMemory {
	return &MockMemory{chats: map[string]mockChat{}}
}

func (m *MockMemory) IsEnabled() bool {
	return true
}

func (m *MockMemory) SaveTranscript(_ context.Context, chatID, title string, msgs []transcript.Message) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	clone := make([]transcript.Message, len(msgs))
	for i, msg := range msgs {
		clone[i] = msg.Clone()
	}
	m.chats[chatID] = mockChat{title: title, msgs: clone, sequence: m.updates}
	return nil
}

func (m *MockMemory) LoadTranscript(_ context.Context, chatID string) (string, []transcript.Message, error) {
	if m.LoadError != nil {
		return "", nil, m.LoadError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, chatID)
	}
	return chat.title, append([]transcript.Message(nil), chat.msgs...), nil
}

func (m *MockMemory) ListTranscripts(_ context.Context) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.chats))
	order := map[string]int{}
	for id, chat := range m.chats {
		out = append(out, Summary{ChatID: id, Title: chat.title, Messages: len(chat.msgs)})
		order[id] = chat.sequence
	}
	sort.Slice(out, func(i, j int) bool {
		return order[out[i].ChatID] > order[out[j].ChatID]
	})
	return out, nil
}

func (m *MockMemory) DeleteTranscript(_ context.Context, chatID string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	return nil
}

func (m *MockMemory) Clear(_ context.Context) error {
	if m.ClearError != nil {
		return m.ClearError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = map[string]mockChat{}
	return nil
}

func (m *MockMemory) Close() error {
	m.Closed = true
	return nil
}

var _ TranscriptStore = (*MockMemory)(nil)

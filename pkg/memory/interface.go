package memory

import (
	"context"
	"errors"
	"time"

	"github.com/killallgit/divechat/pkg/transcript"
)

// ErrNotFound is returned when a chat has no cached transcript
var ErrNotFound = errors.New("transcript not cached")

// Summary describes one cached transcript
type Summary struct {
	ChatID    string
	Title     string
	Messages  int
	UpdatedAt time.Time
}

// TranscriptStore keeps chat transcripts so they can be reopened without
// the backend
type TranscriptStore interface {
	// IsEnabled returns whether caching is enabled
	IsEnabled() bool

	// SaveTranscript replaces the cached transcript of a chat
	SaveTranscript(ctx context.Context, chatID, title string, msgs []transcript.Message) error

	// LoadTranscript returns the title and messages of a cached chat
	LoadTranscript(ctx context.Context, chatID string) (string, []transcript.Message, error)

	// ListTranscripts lists cached chats, most recently updated first
	ListTranscripts(ctx context.Context) ([]Summary, error)

	// DeleteTranscript drops one chat from the cache
	DeleteTranscript(ctx context.Context, chatID string) error

	// Clear drops every cached chat
	Clear(ctx context.Context) error

	// Close closes the store
	Close() error
}

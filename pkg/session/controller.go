package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/divechat/pkg/client"
	"github.com/killallgit/divechat/pkg/history"
	"github.com/killallgit/divechat/pkg/logger"
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
)

var (
	ErrStreaming       = errors.New("a response is already streaming")
	ErrNoChat          = errors.New("no chat is open")
	ErrMessageNotFound = errors.New("message not found")
)

const (
	defaultReadSize = 4096
	sideTimeout     = 30 * time.Second
)

// Backend is the part of the chat API the controller drives.
// *client.Client satisfies it.
type Backend interface {
	Send(ctx context.Context, req client.SendRequest) (io.ReadCloser, error)
	Retry(ctx context.Context, chatID, messageID string) (io.ReadCloser, error)
	Edit(ctx context.Context, chatID, messageID, content string) (io.ReadCloser, error)
	Abort(ctx context.Context, chatID string) error
	History(ctx context.Context, chatID string) (*client.Chat, error)
	Sources(ctx context.Context, chatID string) ([]transcript.Source, error)
}

// Cache keeps transcripts so a chat can be reopened without the backend
type Cache interface {
	SaveTranscript(ctx context.Context, chatID, title string, msgs []transcript.Message) error
	LoadTranscript(ctx context.Context, chatID string) (string, []transcript.Message, error)
}

// Options configure a Controller. Zero values get defaults.
type Options struct {
	Transcript transcript.Options
	Observer   Observer
	Cache      Cache

	// NewID names messages until the backend assigns real ids
	NewID func() string
	Now   func() time.Time

	// ReadSize is the buffer size used to read the response body
	ReadSize int
}

// Controller owns the transcript of one chat and drives requests against
// the backend. At most one request streams at a time; a second one is
// rejected with ErrStreaming.
type Controller struct {
	backend Backend
	opts    Options
	log     *logger.ComponentLogger

	mu        sync.Mutex
	msgs      []transcript.Message
	chatID    string
	title     string
	streaming bool
	aborted   bool
	cancel    context.CancelFunc

	background sync.WaitGroup
}

func New(backend Backend, opts Options) *Controller {
	defaults := transcript.DefaultOptions()
	if opts.Transcript.RetrievalTool == "" {
		opts.Transcript.RetrievalTool = defaults.RetrievalTool
	}
	if opts.Transcript.SourcesMode == "" {
		opts.Transcript.SourcesMode = defaults.SourcesMode
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFunc{}
	}
	if opts.NewID == nil {
		opts.NewID = localIDs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}

	return &Controller{
		backend: backend,
		opts:    opts,
		log:     logger.WithComponent("session"),
	}
}

func localIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("local-%d", n.Add(1))
	}
}

// Messages returns the current transcript. The slice is a copy; the
// messages must be treated as read-only.
func (c *Controller) Messages() []transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transcript.Message(nil), c.msgs...)
}

func (c *Controller) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Controller) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Wait blocks until background work started by finished requests, such as
// the sources fetch, is done
func (c *Controller) Wait() {
	c.background.Wait()
}

// Reset forgets the open chat so the next Send starts a new one
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrStreaming
	}
	c.msgs, c.chatID, c.title = nil, "", ""
	c.mu.Unlock()

	c.opts.Observer.MessagesChanged(nil)
	return nil
}

// Send appends the prompt and an empty reply and streams the answer into
// the reply. It returns when the stream ends; failures end up in the
// transcript, not in the returned error.
func (c *Controller) Send(ctx context.Context, text string, files []transcript.File) error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrStreaming
	}
	now := c.opts.Now()
	next := append(c.msgs[:len(c.msgs):len(c.msgs)],
		transcript.NewUserMessage(c.opts.NewID(), text, files, now),
		transcript.NewPlaceholder(c.opts.NewID(), now),
	)
	req := client.SendRequest{Message: text, ChatID: c.chatID, Files: files}
	reqCtx := c.begin(ctx, next)
	c.mu.Unlock()

	c.started(next)
	c.run(reqCtx, nil, func(ctx context.Context) (io.ReadCloser, error) {
		return c.backend.Send(ctx, req)
	})
	return nil
}

// Retry regenerates the assistant message messageID. Everything after it
// is dropped.
func (c *Controller) Retry(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if err := c.checkIdle(); err != nil {
		c.mu.Unlock()
		return err
	}
	idx := transcript.FindMessage(c.msgs, messageID)
	if idx < 0 || c.msgs[idx].IsSent() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	restore := c.msgs
	next := append(c.msgs[:idx:idx], emptied(c.msgs[idx]))
	chatID := c.chatID
	reqCtx := c.begin(ctx, next)
	c.mu.Unlock()

	c.started(next)
	c.run(reqCtx, restore, func(ctx context.Context) (io.ReadCloser, error) {
		return c.backend.Retry(ctx, chatID, messageID)
	})
	return nil
}

// Edit replaces the text of user message messageID and regenerates the
// reply that follows it. Everything after that reply is dropped.
func (c *Controller) Edit(ctx context.Context, messageID, text string) error {
	c.mu.Lock()
	if err := c.checkIdle(); err != nil {
		c.mu.Unlock()
		return err
	}
	idx := transcript.FindMessage(c.msgs, messageID)
	if idx < 0 || !c.msgs[idx].IsSent() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	edited := c.msgs[idx].Clone()
	edited.Body = transcript.TextBody(text)
	reply := transcript.NewPlaceholder(c.opts.NewID(), c.opts.Now())
	if idx+1 < len(c.msgs) && !c.msgs[idx+1].IsSent() {
		reply = emptied(c.msgs[idx+1])
	}

	restore := c.msgs
	next := append(c.msgs[:idx:idx], edited, reply)
	chatID := c.chatID
	reqCtx := c.begin(ctx, next)
	c.mu.Unlock()

	c.started(next)
	c.run(reqCtx, restore, func(ctx context.Context) (io.ReadCloser, error) {
		return c.backend.Edit(ctx, chatID, messageID, text)
	})
	return nil
}

// Abort stops the streaming request, if any. Text received so far stays in
// the transcript. Safe to call from any goroutine.
func (c *Controller) Abort(ctx context.Context) {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	chatID, cancel := c.chatID, c.cancel
	c.mu.Unlock()

	if chatID != "" {
		if err := c.backend.Abort(ctx, chatID); err != nil {
			c.log.Warn("abort request failed", "chat", chatID, "error", err)
		}
	}
	cancel()
}

// Load replaces the transcript with the persisted history of chatID. When
// the backend cannot be reached the cached copy is used instead.
func (c *Controller) Load(ctx context.Context, chatID string) error {
	if c.Streaming() {
		return ErrStreaming
	}

	msgs, title, err := c.fetchHistory(ctx, chatID)
	if err != nil {
		if c.opts.Cache == nil {
			return err
		}
		cachedTitle, cached, cacheErr := c.opts.Cache.LoadTranscript(ctx, chatID)
		if cacheErr != nil {
			return fmt.Errorf("%w (cache: %v)", err, cacheErr)
		}
		c.log.Warn("history unavailable, using cached transcript", "chat", chatID, "error", err)
		msgs, title = cached, cachedTitle
	} else {
		c.save(chatID, title, msgs)
	}

	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrStreaming
	}
	c.msgs, c.chatID, c.title = msgs, chatID, title
	c.mu.Unlock()

	c.opts.Observer.ChatInfoChanged(stream.ChatInfo{ID: chatID, Title: title}, false)
	c.opts.Observer.MessagesChanged(msgs)
	return nil
}

func (c *Controller) fetchHistory(ctx context.Context, chatID string) ([]transcript.Message, string, error) {
	chat, err := c.backend.History(ctx, chatID)
	if err != nil {
		return nil, "", err
	}

	msgs := history.FromRecords(chat.Records, history.Options{Transcript: c.opts.Transcript})
	if c.opts.Transcript.SourcesMode == transcript.SourcesEndpoint && len(msgs) > 0 {
		sources, err := c.backend.Sources(ctx, chatID)
		if err != nil {
			c.log.Warn("failed to fetch sources", "chat", chatID, "error", err)
		} else if last := len(msgs) - 1; attachable(msgs[last]) {
			msgs[last].Sources = transcript.MergeSources(msgs[last].Sources, sources)
		}
	}
	return msgs, chat.Title, nil
}

func (c *Controller) checkIdle() error {
	if c.streaming {
		return ErrStreaming
	}
	if c.chatID == "" {
		return ErrNoChat
	}
	return nil
}

// begin marks the controller as streaming. Called with mu held.
func (c *Controller) begin(ctx context.Context, msgs []transcript.Message) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	c.msgs = msgs
	c.streaming = true
	c.aborted = false
	c.cancel = cancel
	return reqCtx
}

func (c *Controller) started(msgs []transcript.Message) {
	c.opts.Observer.StateChanged(StateStreaming)
	c.opts.Observer.MessagesChanged(msgs)
}

// run opens the response stream and folds it into the last message. restore
// is the list to put back when the request fails before any event applied.
func (c *Controller) run(ctx context.Context, restore []transcript.Message, open func(context.Context) (io.ReadCloser, error)) {
	streamID := uuid.NewString()
	session := transcript.NewStreamingSession(c.opts.Transcript)
	reducer := transcript.NewReducer(session, c.opts.NewID)
	reducer.Now = c.opts.Now

	c.log.Debug("request started", "stream", streamID)

	var state State
	body, err := open(ctx)
	if err != nil {
		state = c.failed(ctx, reducer, restore, streamID, err)
	} else {
		state = c.consume(ctx, body, reducer, streamID, restore)
		body.Close()
	}

	c.log.Debug("request finished", "stream", streamID, "state", state, "events", session.Applied())
	c.finish(reducer, state)
}

func (c *Controller) consume(ctx context.Context, body io.Reader, reducer *transcript.Reducer, streamID string, restore []transcript.Message) State {
	dec := stream.NewDecoder()
	buf := make([]byte, c.opts.ReadSize)
	state := StateComplete

	for {
		n, err := body.Read(buf)
		if n > 0 {
			switch c.handle(dec.Feed(buf[:n]), reducer, streamID) {
			case passStopped:
				return StateError
			case passFailed:
				state = StateError
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if dec.Pending() > 0 {
				c.log.Debug("discarding incomplete line", "stream", streamID, "bytes", dec.Pending())
			}
			return state
		}
		return c.failed(ctx, reducer, restore, streamID, err)
	}
}

// pass is the outcome of handling the frames of one read
type pass int

const (
	// passRead: every frame was applied, or [DONE] ended the pass early
	passRead pass = iota
	// passFailed: an inner error event ended the pass
	passFailed
	// passStopped: an envelope error; nothing more is read
	passStopped
)

// handle applies the frames of one read in order. [DONE] and inner error
// events drop the rest of this read only; the transport decides when the
// stream ends.
func (c *Controller) handle(frames []stream.Frame, reducer *transcript.Reducer, streamID string) pass {
	for _, frame := range frames {
		if frame.Done {
			return passRead
		}
		ev, err := stream.ParseFrame(frame.Payload)
		if err != nil {
			c.log.Warn("skipping malformed frame", "stream", streamID, "error", err)
			continue
		}
		if ev.IsError() {
			c.log.Warn("stream reported an error", "stream", streamID, "error", ev.Text, "envelope", ev.Envelope)
		}
		if c.apply(reducer, ev) {
			if ev.Envelope {
				return passStopped
			}
			return passFailed
		}
	}
	return passRead
}

func (c *Controller) apply(reducer *transcript.Reducer, ev stream.Event) bool {
	c.mu.Lock()
	next, out := reducer.Reduce(c.msgs, ev)
	c.msgs = next
	created := false
	if out.ChatInfo != nil {
		created = c.chatID == ""
		c.chatID = out.ChatInfo.ID
		c.title = out.ChatInfo.Title
	}
	c.mu.Unlock()

	if out.ChatInfo != nil {
		c.opts.Observer.ChatInfoChanged(*out.ChatInfo, created)
	}
	if out.Changed {
		c.opts.Observer.MessagesChanged(next)
	}
	return out.Terminal
}

// failed handles a request that could not be opened or read. An aborted
// request keeps what it has.
func (c *Controller) failed(ctx context.Context, reducer *transcript.Reducer, restore []transcript.Message, streamID string, err error) State {
	c.mu.Lock()
	aborted := c.aborted
	c.mu.Unlock()
	if aborted || ctx.Err() != nil {
		return StateCancelled
	}

	c.log.Warn("request failed", "stream", streamID, "error", err)

	c.mu.Lock()
	if restore != nil && reducer.Session.Applied() == 0 {
		c.msgs = restore
	} else {
		c.msgs = reducer.ReplaceWithError(c.msgs, err.Error())
	}
	next := c.msgs
	c.mu.Unlock()

	c.opts.Observer.MessagesChanged(next)
	return StateError
}

// finish flushes the reply, clears the streaming flag and starts the
// follow-up work for the chat
func (c *Controller) finish(reducer *transcript.Reducer, state State) {
	c.mu.Lock()
	_, open := reducer.Session.OpenBatch()
	flushed := open && state != StateError
	if flushed {
		c.msgs = reducer.Finish(c.msgs)
	}
	msgs := c.msgs
	chatID, title := c.chatID, c.title
	cancel := c.cancel
	c.streaming = false
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	if flushed {
		c.opts.Observer.MessagesChanged(msgs)
	}
	c.opts.Observer.StateChanged(state)

	if chatID == "" {
		return
	}
	c.save(chatID, title, msgs)

	if c.opts.Transcript.SourcesMode == transcript.SourcesEndpoint && state != StateError && len(msgs) > 0 {
		c.background.Add(1)
		go c.fetchSources(chatID, msgs[len(msgs)-1].ID)
	}
}

// fetchSources attaches the chat's persisted citations to messageID
func (c *Controller) fetchSources(chatID, messageID string) {
	defer c.background.Done()

	ctx, cancel := context.WithTimeout(context.Background(), sideTimeout)
	defer cancel()

	sources, err := c.backend.Sources(ctx, chatID)
	if err != nil {
		c.log.Warn("failed to fetch sources", "chat", chatID, "error", err)
		return
	}
	if len(sources) == 0 {
		return
	}

	c.mu.Lock()
	idx := transcript.FindMessage(c.msgs, messageID)
	if c.chatID != chatID || idx < 0 || !attachable(c.msgs[idx]) {
		c.mu.Unlock()
		return
	}
	next := append([]transcript.Message(nil), c.msgs...)
	next[idx].Sources = transcript.MergeSources(next[idx].Sources, sources)
	c.msgs = next
	title := c.title
	c.mu.Unlock()

	c.opts.Observer.MessagesChanged(next)
	c.save(chatID, title, next)
}

func (c *Controller) save(chatID, title string, msgs []transcript.Message) {
	if c.opts.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideTimeout)
	defer cancel()
	if err := c.opts.Cache.SaveTranscript(ctx, chatID, title, msgs); err != nil {
		c.log.Warn("failed to cache transcript", "chat", chatID, "error", err)
	}
}

// emptied returns a copy of an assistant message ready to be streamed into
// again
func emptied(m transcript.Message) transcript.Message {
	out := m.Clone()
	out.Body = nil
	out.Sources = nil
	out.IsError = false
	return out
}

func attachable(m transcript.Message) bool {
	return !m.IsSent() && !m.IsError
}

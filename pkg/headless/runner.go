package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/killallgit/divechat/pkg/memory"
	"github.com/killallgit/divechat/pkg/render"
	"github.com/killallgit/divechat/pkg/session"
	"github.com/killallgit/divechat/pkg/transcript"
)

// Options wire a Runner
type Options struct {
	Backend    session.Backend
	Cache      memory.TranscriptStore
	Transcript transcript.Options
	Render     render.Options
	Stdout     io.Writer
	Stderr     io.Writer
}

// Runner drives a chat from the command line: replies stream to stdout,
// status lines go to stderr and Ctrl-C aborts the running request
type Runner struct {
	ctrl     *session.Controller
	cache    memory.TranscriptStore
	renderer *render.Renderer
	output   *Output
	stdout   io.Writer
}

func NewRunner(opts Options) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	renderer := render.New(opts.Render)
	output := NewOutput(opts.Stderr)

	var cache session.Cache
	if opts.Cache != nil && opts.Cache.IsEnabled() {
		cache = opts.Cache
	}
	ctrl := session.New(opts.Backend, session.Options{
		Transcript: opts.Transcript,
		Cache:      cache,
		Observer: session.NewMultiObserver(
			render.NewLive(opts.Stdout, renderer),
			newStatusHandler(output),
		),
	})

	return &Runner{
		ctrl:     ctrl,
		cache:    opts.Cache,
		renderer: renderer,
		output:   output,
		stdout:   opts.Stdout,
	}
}

func (r *Runner) Controller() *session.Controller {
	return r.ctrl
}

// Open continues an existing chat
func (r *Runner) Open(ctx context.Context, chatID string) error {
	if err := r.ctrl.Load(ctx, chatID); err != nil {
		return fmt.Errorf("failed to open chat %s: %w", chatID, err)
	}
	return nil
}

// Show prints the whole transcript of a chat
func (r *Runner) Show(ctx context.Context, chatID string) error {
	if err := r.Open(ctx, chatID); err != nil {
		return err
	}
	_, err := io.WriteString(r.stdout, r.renderer.Transcript(r.ctrl.Title(), r.ctrl.Messages()))
	return err
}

// Send streams the reply to one prompt
func (r *Runner) Send(ctx context.Context, prompt string, files []transcript.File) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt cannot be empty")
	}
	return r.interruptible(ctx, func(ctx context.Context) error {
		return r.ctrl.Send(ctx, prompt, files)
	})
}

// Retry regenerates an assistant message. An empty id retries the last
// reply.
func (r *Runner) Retry(ctx context.Context, messageID string) error {
	if messageID == "" {
		messageID = r.lastReplyID()
	}
	return r.interruptible(ctx, func(ctx context.Context) error {
		return r.ctrl.Retry(ctx, messageID)
	})
}

// Edit replaces a prompt and streams the new reply
func (r *Runner) Edit(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("prompt cannot be empty")
	}
	return r.interruptible(ctx, func(ctx context.Context) error {
		return r.ctrl.Edit(ctx, messageID, text)
	})
}

// REPL reads prompts line by line until EOF or /quit. /new starts a new
// chat and /retry regenerates the last reply.
func (r *Runner) REPL(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		io.WriteString(r.stdout, "> ")
		if !scanner.Scan() {
			io.WriteString(r.stdout, "\n")
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			err = r.ctrl.Reset()
			if err == nil {
				r.output.Info("started a new chat")
			}
		case "/retry":
			err = r.Retry(ctx, "")
		default:
			err = r.Send(ctx, line, nil)
		}

		if err != nil {
			r.output.Error("%v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Cleanup releases the cache
func (r *Runner) Cleanup() error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Close()
}

func (r *Runner) lastReplyID() string {
	msgs := r.ctrl.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsSent() {
			return msgs[i].ID
		}
	}
	return ""
}

// interruptible runs fn with Ctrl-C bound to Abort, then waits for the
// request's background work
func (r *Runner) interruptible(ctx context.Context, fn func(context.Context) error) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigs:
			r.output.Warn("aborting...")
			r.ctrl.Abort(context.Background())
		case <-done:
		}
	}()

	err := fn(ctx)
	r.ctrl.Wait()
	return err
}

package session_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/killallgit/divechat/pkg/client"
	"github.com/killallgit/divechat/pkg/history"
	"github.com/killallgit/divechat/pkg/memory"
	"github.com/killallgit/divechat/pkg/session"
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Controller", func() {
	var (
		ctx     context.Context
		backend *fakeBackend
		rec     *recorder
		cache   *memory.MockMemory
		opts    session.Options
	)

	newController := func() *session.Controller {
		opts.Observer = rec.observer()
		opts.Cache = cache
		return session.New(client.New(backend.server.URL, 0), opts)
	}

	BeforeEach(func() {
		ctx = context.Background()
		backend = newFakeBackend()
		rec = &recorder{}
		cache = memory.NewMockMemory()
		opts = session.Options{}
		DeferCleanup(backend.Close)
	})

	Describe("Send", func() {
		It("should stream text into the placeholder and adopt server ids", func() {
			backend.chat = respond(
				chatInfoFrame("chat-1", "Greeting"),
				messageInfoFrame("u-1", "a-1"),
				textFrame("Hello"),
				textFrame(", diver"),
				doneFrame,
			)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())

			msgs := ctrl.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].ID).To(Equal("u-1"))
			Expect(msgs[0].PlainText()).To(Equal("hi"))
			Expect(msgs[1].ID).To(Equal("a-1"))
			Expect(msgs[1].PlainText()).To(Equal("Hello, diver"))
			Expect(ctrl.ChatID()).To(Equal("chat-1"))
			Expect(ctrl.Title()).To(Equal("Greeting"))
			Expect(ctrl.Streaming()).To(BeFalse())
			Expect(rec.States()).To(Equal([]session.State{session.StateStreaming, session.StateComplete}))
			Expect(rec.created).To(Equal([]bool{true}))
		})

		It("should report an existing chat as not created", func() {
			backend.chat = respond(chatInfoFrame("chat-1", "Greeting"), textFrame("one"), doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "first", nil)).To(Succeed())
			Expect(ctrl.Send(ctx, "second", nil)).To(Succeed())

			Expect(rec.created).To(Equal([]bool{true, false}))
			Expect(ctrl.Messages()).To(HaveLen(4))
		})

		It("should decode frames split across reads", func() {
			opts.ReadSize = 3
			backend.chat = respond(textFrame("héllo wörld"), doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(ctrl.Messages()[1].PlainText()).To(Equal("héllo wörld"))
		})

		It("should fold a tool batch and defer text until it completes", func() {
			backend.chat = respond(
				textFrame("Let me check. "),
				frame(stream.EventToolCalls, []stream.ToolCall{{Name: "search", Arguments: json.RawMessage(`{"q":"reef"}`)}}),
				textFrame("Found it."),
				frame(stream.EventToolResult, stream.ToolResult{Name: "search", Result: json.RawMessage(`{"hits":1}`)}),
				doneFrame,
			)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())

			body := ctrl.Messages()[1].Body
			Expect(body).To(HaveLen(3))
			Expect(body[0].Text).To(Equal("Let me check. "))
			Expect(body[1].Tool).NotTo(BeNil())
			Expect(body[1].Tool.Complete).To(BeTrue())
			Expect(body[1].Tool.Header()).To(Equal("search"))
			Expect(body[2].Text).To(Equal("Found it."))
		})

		It("should commit a pending batch when the stream ends", func() {
			backend.chat = respond(
				frame(stream.EventToolCalls, []stream.ToolCall{{Name: "search"}}),
				textFrame("later"),
				doneFrame,
			)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())

			blocks := ctrl.Messages()[1].Body.ToolBlocks()
			Expect(blocks).To(HaveLen(1))
			Expect(blocks[0].Complete).To(BeFalse())
			Expect(ctrl.Messages()[1].PlainText()).To(Equal("later"))
		})

		It("should skip malformed frames", func() {
			backend.chat = respond("data: {not json\n", textFrame("ok"), "data: {\"message\":\"{}\"}\n", doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(ctrl.Messages()[1].PlainText()).To(Equal("ok"))
			Expect(rec.States()).To(ContainElement(session.StateComplete))
		})

		It("should drop the rest of a read after the done sentinel", func() {
			backend.chat = func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, textFrame("kept")+doneFrame+textFrame(" dropped"))
			}
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(ctrl.Messages()[1].PlainText()).To(Equal("kept"))
		})

		It("should keep reading the transport after the done sentinel", func() {
			backend.chat = func(w http.ResponseWriter, r *http.Request) {
				respond(textFrame("kept"), doneFrame)(w, r)
				time.Sleep(200 * time.Millisecond)
				respond(textFrame(" later"))(w, r)
			}
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(ctrl.Messages()[1].PlainText()).To(Equal("kept later"))
			Expect(rec.States()).To(Equal([]session.State{session.StateStreaming, session.StateComplete}))
		})

		It("should keep reading the transport after an inner error event", func() {
			backend.chat = func(w http.ResponseWriter, r *http.Request) {
				respond(frame(stream.EventError, "model unavailable"))(w, r)
				time.Sleep(200 * time.Millisecond)
				respond(chatInfoFrame("chat-1", "Greeting"))(w, r)
			}
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(ctrl.ChatID()).To(Equal("chat-1"))
			Expect(ctrl.Messages()[1].Text()).To(Equal("Error: model unavailable"))
			Expect(rec.States()).To(Equal([]session.State{session.StateStreaming, session.StateError}))
		})

		It("should replace the reply with the envelope error and stop reading", func() {
			backend.chat = respond(
				chatInfoFrame("chat-1", "Greeting"),
				textFrame("partial"),
				stream.EncodeErrorFrame("quota exceeded"),
				textFrame("ignored"),
				doneFrame,
			)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())

			msgs := ctrl.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].IsError).To(BeTrue())
			Expect(msgs[1].Text()).To(Equal("Error: quota exceeded"))
			Expect(rec.States()).To(Equal([]session.State{session.StateStreaming, session.StateError}))
		})

		It("should replace the reply with an inner error event", func() {
			backend.chat = respond(frame(stream.EventError, "model unavailable"), doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(ctrl.Messages()[1].Text()).To(Equal("Error: model unavailable"))
		})

		It("should turn a transport failure into an error message", func() {
			backend.chat = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			}
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())

			msgs := ctrl.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].PlainText()).To(Equal("hi"))
			Expect(msgs[1].IsError).To(BeTrue())
			Expect(msgs[1].Text()).To(HavePrefix("Error: "))
			Expect(msgs[1].Text()).To(ContainSubstring("overloaded"))
			Expect(ctrl.Streaming()).To(BeFalse())
		})

		It("should reject a second request while one is streaming", func() {
			release := make(chan struct{})
			backend.chat = func(w http.ResponseWriter, r *http.Request) {
				respond(chatInfoFrame("chat-1", "Greeting"), textFrame("working"))(w, r)
				select {
				case <-release:
					io.WriteString(w, doneFrame)
				case <-r.Context().Done():
				}
			}
			ctrl := newController()

			finished := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(finished)
				Expect(ctrl.Send(ctx, "first", nil)).To(Succeed())
			}()

			Eventually(ctrl.ChatID).Should(Equal("chat-1"))
			Expect(ctrl.Streaming()).To(BeTrue())
			Expect(ctrl.Send(ctx, "second", nil)).To(MatchError(session.ErrStreaming))
			Expect(ctrl.Retry(ctx, "local-2")).To(MatchError(session.ErrStreaming))
			Expect(ctrl.Load(ctx, "chat-1")).To(MatchError(session.ErrStreaming))

			close(release)
			Eventually(finished).Should(BeClosed())
			Expect(ctrl.Messages()).To(HaveLen(2))
		})

		It("should save the transcript to the cache", func() {
			backend.chat = respond(chatInfoFrame("chat-1", "Greeting"), textFrame("cached"), doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			Expect(texts(cached(cache, "chat-1"))).To(Equal([]string{"hi", "cached"}))
		})
	})

	Describe("Abort", func() {
		It("should keep the partial reply and notify the backend", func() {
			backend.chat = func(w http.ResponseWriter, r *http.Request) {
				respond(chatInfoFrame("chat-1", "Greeting"), textFrame("partial"))(w, r)
				<-r.Context().Done()
			}
			ctrl := newController()

			finished := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(finished)
				Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			}()

			Eventually(func() string {
				msgs := ctrl.Messages()
				if len(msgs) < 2 {
					return ""
				}
				return msgs[1].PlainText()
			}).Should(Equal("partial"))

			ctrl.Abort(ctx)
			Eventually(finished, 5*time.Second).Should(BeClosed())

			msgs := ctrl.Messages()
			Expect(msgs[1].IsError).To(BeFalse())
			Expect(msgs[1].PlainText()).To(Equal("partial"))
			Expect(backend.abortedChats()).To(Equal([]string{"chat-1"}))
			Expect(rec.States()).To(Equal([]session.State{session.StateStreaming, session.StateCancelled}))
		})

		It("should do nothing when idle", func() {
			ctrl := newController()
			ctrl.Abort(ctx)
			Expect(backend.abortedChats()).To(BeEmpty())
			Expect(rec.States()).To(BeEmpty())
		})
	})

	Describe("Retry and Edit", func() {
		var ctrl *session.Controller

		BeforeEach(func() {
			backend.chat = respond(
				chatInfoFrame("chat-1", "Greeting"),
				messageInfoFrame("u-1", "a-1"),
				textFrame("first answer"),
				doneFrame,
			)
			ctrl = newController()
			Expect(ctrl.Send(ctx, "question", nil)).To(Succeed())
		})

		It("should regenerate the assistant message", func() {
			backend.retry = respond(messageInfoFrame("", "a-2"), textFrame("second answer"), doneFrame)

			Expect(ctrl.Retry(ctx, "a-1")).To(Succeed())

			msgs := ctrl.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].ID).To(Equal("a-2"))
			Expect(msgs[1].PlainText()).To(Equal("second answer"))
			Expect(backend.body("/api/chat/retry")).To(MatchJSON(`{"chatId":"chat-1","messageId":"a-1"}`))
		})

		It("should restore the transcript when the retry fails before any output", func() {
			backend.retry = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			}
			before := texts(ctrl.Messages())

			Expect(ctrl.Retry(ctx, "a-1")).To(Succeed())

			Expect(texts(ctrl.Messages())).To(Equal(before))
			states := rec.States()
			Expect(states[len(states)-1]).To(Equal(session.StateError))
		})

		It("should reject unknown and user message ids", func() {
			Expect(ctrl.Retry(ctx, "nope")).To(MatchError(session.ErrMessageNotFound))
			Expect(ctrl.Retry(ctx, "u-1")).To(MatchError(session.ErrMessageNotFound))
			Expect(ctrl.Edit(ctx, "a-1", "x")).To(MatchError(session.ErrMessageNotFound))
		})

		It("should replace the prompt and regenerate its reply", func() {
			backend.edit = respond(textFrame("edited answer"), doneFrame)

			Expect(ctrl.Edit(ctx, "u-1", "better question")).To(Succeed())

			msgs := ctrl.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].PlainText()).To(Equal("better question"))
			Expect(msgs[1].ID).To(Equal("a-1"))
			Expect(msgs[1].PlainText()).To(Equal("edited answer"))
			Expect(backend.body("/api/chat/edit")).To(MatchJSON(`{"chatId":"chat-1","messageId":"u-1","content":"better question"}`))
		})

		It("should drop the turns after the edited prompt", func() {
			backend.chat = respond(messageInfoFrame("u-2", "a-2"), textFrame("second turn"), doneFrame)
			Expect(ctrl.Send(ctx, "follow up", nil)).To(Succeed())
			Expect(ctrl.Messages()).To(HaveLen(4))

			backend.edit = respond(textFrame("edited answer"), doneFrame)
			Expect(ctrl.Edit(ctx, "u-1", "again")).To(Succeed())

			Expect(texts(ctrl.Messages())).To(Equal([]string{"again", "edited answer"}))
		})

		It("should restore the prompt when the edit fails before any output", func() {
			backend.edit = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			}

			Expect(ctrl.Edit(ctx, "u-1", "changed")).To(Succeed())
			Expect(texts(ctrl.Messages())).To(Equal([]string{"question", "first answer"}))
		})
	})

	It("should require an open chat to retry", func() {
		ctrl := newController()
		Expect(ctrl.Retry(ctx, "a-1")).To(MatchError(session.ErrNoChat))
		Expect(ctrl.Edit(ctx, "u-1", "x")).To(MatchError(session.ErrNoChat))
	})

	Describe("Load", func() {
		historyBody := func() string {
			records := []history.Record{
				{ID: "u-1", Role: history.KindUser, Content: json.RawMessage(`"hi"`)},
				{ID: "a-1", Role: history.KindAssistant, Content: json.RawMessage(`"hello there"`)},
			}
			raw, err := json.Marshal(map[string]any{
				"success": true,
				"data": map[string]any{
					"chat":     map[string]string{"id": "chat-1", "title": "Greeting"},
					"messages": records,
				},
			})
			Expect(err).NotTo(HaveOccurred())
			return string(raw)
		}

		It("should rebuild the transcript from history", func() {
			body := historyBody()
			backend.history = func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}
			ctrl := newController()

			Expect(ctrl.Load(ctx, "chat-1")).To(Succeed())

			Expect(ctrl.ChatID()).To(Equal("chat-1"))
			Expect(ctrl.Title()).To(Equal("Greeting"))
			Expect(texts(ctrl.Messages())).To(Equal([]string{"hi", "hello there"}))
			Expect(rec.created).To(Equal([]bool{false}))
			Expect(cached(cache, "chat-1")).To(HaveLen(2))
		})

		It("should fall back to the cache when history is unavailable", func() {
			stored := []transcript.Message{
				transcript.NewUserMessage("u-1", "cached prompt", nil, time.Time{}),
			}
			Expect(cache.SaveTranscript(ctx, "chat-1", "Cached", stored)).To(Succeed())
			backend.history = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "down", http.StatusBadGateway)
			}
			ctrl := newController()

			Expect(ctrl.Load(ctx, "chat-1")).To(Succeed())
			Expect(ctrl.Title()).To(Equal("Cached"))
			Expect(texts(ctrl.Messages())).To(Equal([]string{"cached prompt"}))
		})

		It("should fail when neither history nor cache has the chat", func() {
			ctrl := newController()
			Expect(ctrl.Load(ctx, "missing")).To(HaveOccurred())
			Expect(ctrl.ChatID()).To(BeEmpty())
		})
	})

	Describe("endpoint sources", func() {
		BeforeEach(func() {
			opts.Transcript = transcript.Options{SourcesMode: transcript.SourcesEndpoint}
			backend.sources = func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `[{"url":"https://docs.example/a","filename":"a.md"}]`)
			}
		})

		It("should attach fetched sources to the reply after the stream", func() {
			backend.chat = respond(chatInfoFrame("chat-1", "Greeting"), textFrame("answer"), doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			ctrl.Wait()

			msgs := ctrl.Messages()
			Expect(msgs[1].Sources).To(Equal([]transcript.Source{{URL: "https://docs.example/a", Filename: "a.md"}}))
			Expect(ctrl.Streaming()).To(BeFalse())
		})

		It("should not attach sources to an error reply", func() {
			backend.chat = respond(chatInfoFrame("chat-1", "Greeting"), stream.EncodeErrorFrame("nope"))
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			ctrl.Wait()

			Expect(ctrl.Messages()[1].Sources).To(BeEmpty())
		})

		It("should keep the reply when the sources fetch fails", func() {
			backend.sources = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "down", http.StatusBadGateway)
			}
			backend.chat = respond(chatInfoFrame("chat-1", "Greeting"), textFrame("answer"), doneFrame)
			ctrl := newController()

			Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())
			ctrl.Wait()

			Expect(ctrl.Messages()[1].PlainText()).To(Equal("answer"))
			Expect(ctrl.Messages()[1].Sources).To(BeEmpty())
		})
	})

	It("should forget the chat on reset", func() {
		backend.chat = respond(chatInfoFrame("chat-1", "Greeting"), textFrame("answer"), doneFrame)
		ctrl := newController()
		Expect(ctrl.Send(ctx, "hi", nil)).To(Succeed())

		Expect(ctrl.Reset()).To(Succeed())
		Expect(ctrl.ChatID()).To(BeEmpty())
		Expect(ctrl.Messages()).To(BeEmpty())
	})
})

package history_test

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/killallgit/divechat/pkg/history"
	"github.com/killallgit/divechat/pkg/stream"
	"github.com/killallgit/divechat/pkg/transcript"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var createdAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func record(role history.Kind, id string, content any) history.Record {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return history.Record{ID: id, Role: role, Content: raw, CreatedAt: createdAt}
}

func calls(names ...string) []stream.ToolCall {
	out := make([]stream.ToolCall, 0, len(names))
	for _, name := range names {
		out = append(out, stream.ToolCall{Name: name, Arguments: json.RawMessage(`{"q":"dive"}`)})
	}
	return out
}

func result(name, payload string) stream.ToolResult {
	return stream.ToolResult{Name: name, Result: json.RawMessage(payload)}
}

// turn is one user prompt and the events its response streamed
type turn struct {
	prompt string
	events []stream.Event
}

// live runs turns through the streaming reducer, one session per turn
func live(opts transcript.Options, turns ...turn) []transcript.Message {
	var msgs []transcript.Message
	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("live-%d", n)
	}
	for _, t := range turns {
		msgs = append(msgs,
			transcript.NewUserMessage(newID(), t.prompt, nil, createdAt),
			transcript.NewPlaceholder(newID(), createdAt),
		)
		reducer := transcript.NewReducer(transcript.NewStreamingSession(opts), newID)
		for _, ev := range t.events {
			msgs, _ = reducer.Reduce(msgs, ev)
		}
		msgs = reducer.Finish(msgs)
	}
	return msgs
}

type shape struct {
	Role    transcript.Role
	Text    string
	Sources []transcript.Source
	Blocks  int
}

func shapes(msgs []transcript.Message) []shape {
	out := make([]shape, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, shape{Role: m.Role, Text: m.Text(), Sources: m.Sources, Blocks: len(m.Body.ToolBlocks())})
	}
	return out
}

const sourcesPayload = `{"content":[{"type":"text","text":"<SOURCES>\nhttps://docs.example/a\n<FILENAME>b.md</FILENAME>https://docs.example/b\nhttps://docs.example/a\n</SOURCES>"},{"type":"text","text":"two hits"}]}`

var _ = Describe("Reconstruct", func() {
	opts := history.Options{Transcript: transcript.DefaultOptions()}

	Describe("equivalence with the live reducer", func() {
		DescribeTable("should rebuild what was streamed",
			func(t turn, records []history.Record) {
				records = append([]history.Record{record(history.KindUser, "u", t.prompt)}, records...)

				want := shapes(live(transcript.DefaultOptions(), t))
				got := shapes(history.FromRecords(records, opts))
				Expect(got).To(Equal(want))
			},
			Entry("plain text",
				turn{"hello", []stream.Event{
					{Type: stream.EventText, Text: "Hi"},
					{Type: stream.EventText, Text: " there"},
				}},
				[]history.Record{record(history.KindAssistant, "a", "Hi there")},
			),
			Entry("tool calls stored on the assistant record",
				turn{"look it up", []stream.Event{
					{Type: stream.EventText, Text: "Let me check."},
					{Type: stream.EventToolCalls, ToolCalls: calls("search")},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "search", Result: json.RawMessage(`{"hits":3}`)}},
					{Type: stream.EventText, Text: " Found three."},
				}},
				func() []history.Record {
					a := record(history.KindAssistant, "a", "Let me check.")
					a.ToolCalls = calls("search")
					r := result("search", `{"hits":3}`)
					return []history.Record{
						a,
						record(history.KindToolResult, "r", r),
						record(history.KindAssistant, "a2", " Found three."),
					}
				}(),
			),
			Entry("parallel calls with separate tool records",
				turn{"compare", []stream.Event{
					{Type: stream.EventToolCalls, ToolCalls: calls("search", "fetch", "search")},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "search", Result: json.RawMessage(`1`)}},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "fetch", Result: json.RawMessage(`2`)}},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "search", Result: json.RawMessage(`3`)}},
					{Type: stream.EventText, Text: "Summary."},
				}},
				[]history.Record{
					record(history.KindToolCall, "c", calls("search", "fetch", "search")),
					record(history.KindToolResult, "r1", result("search", `1`)),
					record(history.KindToolResult, "r2", result("fetch", `2`)),
					record(history.KindToolResult, "r3", result("search", `3`)),
					record(history.KindAssistant, "a", "Summary."),
				},
			),
			Entry("text arriving while results are pending",
				turn{"wait", []stream.Event{
					{Type: stream.EventToolCalls, ToolCalls: calls("slow")},
					{Type: stream.EventText, Text: "Working on it."},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "slow", Result: json.RawMessage(`"ok"`)}},
				}},
				[]history.Record{
					record(history.KindToolCall, "c", calls("slow")),
					record(history.KindAssistant, "a", "Working on it."),
					record(history.KindToolResult, "r", result("slow", `"ok"`)),
				},
			),
			Entry("retrieval results carrying sources",
				turn{"cite", []stream.Event{
					{Type: stream.EventToolCalls, ToolCalls: calls("query")},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "query", Result: json.RawMessage(sourcesPayload)}},
					{Type: stream.EventText, Text: "According to the docs."},
				}},
				[]history.Record{
					record(history.KindToolCall, "c", calls("query")),
					record(history.KindToolResult, "r", result("query", sourcesPayload)),
					record(history.KindAssistant, "a", "According to the docs."),
				},
			),
			Entry("unnamed call named by its result",
				turn{"anon", []stream.Event{
					{Type: stream.EventToolCalls, ToolCalls: []stream.ToolCall{{}}},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "fetch", Result: json.RawMessage(`{}`)}},
				}},
				[]history.Record{
					record(history.KindToolCall, "c", []stream.ToolCall{{}}),
					record(history.KindToolResult, "r", result("fetch", `{}`)),
				},
			),
		)

		It("should match across several turns", func() {
			want := live(transcript.DefaultOptions(),
				turn{"one", []stream.Event{{Type: stream.EventText, Text: "first"}}},
				turn{"two", []stream.Event{
					{Type: stream.EventToolCalls, ToolCalls: calls("query")},
					{Type: stream.EventToolResult, ToolResult: &stream.ToolResult{Name: "query", Result: json.RawMessage(sourcesPayload)}},
				}},
			)
			got := history.FromRecords([]history.Record{
				record(history.KindUser, "u1", "one"),
				record(history.KindAssistant, "a1", "first"),
				record(history.KindUser, "u2", "two"),
				record(history.KindToolCall, "c2", calls("query")),
				record(history.KindToolResult, "r2", result("query", sourcesPayload)),
			}, opts)

			Expect(shapes(got)).To(Equal(shapes(want)))
			Expect(got[3].Sources).To(HaveLen(2))
		})
	})

	Describe("determinism", func() {
		It("should produce identical lists for the same input", func() {
			records := []history.Record{
				record(history.KindUser, "", "no id"),
				record(history.KindToolCall, "", calls("a", "b")),
				record(history.KindToolResult, "", result("a", `1`)),
				record(history.KindAssistant, "", "tail"),
			}
			first := history.FromRecords(records, history.Options{})
			second := history.FromRecords(records, history.Options{})
			Expect(second).To(Equal(first))
			Expect(first[0].ID).To(Equal("history-1"))
			Expect(first[1].ID).To(Equal("history-2"))
		})
	})

	Describe("record handling", func() {
		It("should prefer the message id over the row id", func() {
			rec := record(history.KindUser, "row-1", "hi")
			rec.MessageID = "msg-1"
			msgs := history.FromRecords([]history.Record{rec}, opts)
			Expect(msgs[0].ID).To(Equal("msg-1"))
			Expect(msgs[0].Timestamp).To(Equal(createdAt))
		})

		It("should start a new message for every user record", func() {
			msgs := history.FromRecords([]history.Record{
				record(history.KindUser, "u1", "a"),
				record(history.KindUser, "u2", "b"),
				record(history.KindAssistant, "a1", "c"),
				record(history.KindAssistant, "a2", "d"),
			}, opts)

			Expect(msgs).To(HaveLen(3))
			Expect(msgs[2].ID).To(Equal("a1"))
			Expect(msgs[2].PlainText()).To(Equal("cd"))
		})

		It("should flush an unfinished batch when results stop", func() {
			msgs := history.FromRecords([]history.Record{
				record(history.KindUser, "u1", "q"),
				record(history.KindToolCall, "c", calls("a", "b")),
				record(history.KindToolResult, "r", result("a", `1`)),
				record(history.KindAssistant, "a", "gave up"),
			}, opts)

			body := msgs[1].Body
			Expect(body).To(HaveLen(2))
			Expect(body[0].Tool.Complete).To(BeFalse())
			Expect(body[1].Text).To(Equal("gave up"))
			Expect(msgs[1].Text()).NotTo(ContainSubstring("##Tool Result:"))
		})

		It("should fold results stored on the assistant record", func() {
			a := record(history.KindAssistant, "a", "")
			a.ToolCalls = calls("search")
			a.ToolResults = []json.RawMessage{json.RawMessage(`{"hits":1}`)}

			msgs := history.FromRecords([]history.Record{record(history.KindUser, "u", "q"), a}, opts)
			blocks := msgs[1].Body.ToolBlocks()
			Expect(blocks).To(HaveLen(1))
			Expect(blocks[0].Complete).To(BeTrue())
		})

		It("should merge assistant attachments onto the user message", func() {
			u := record(history.KindUser, "u", "see file")
			u.Files = []transcript.File{{Name: "a.png"}}
			a := record(history.KindAssistant, "a", "nice")
			a.Files = []transcript.File{{Name: "b.pdf"}}

			msgs := history.FromRecords([]history.Record{u, a}, opts)
			Expect(msgs[0].Files).To(Equal([]transcript.File{{Name: "a.png"}, {Name: "b.pdf"}}))
			Expect(msgs[1].Files).To(BeEmpty())
		})

		It("should attach persisted record sources in inline mode only", func() {
			a := record(history.KindAssistant, "a", "cited")
			a.Sources = []transcript.Source{{URL: "https://x"}, {URL: "https://x"}}
			records := []history.Record{record(history.KindUser, "u", "q"), a}

			inline := history.FromRecords(records, opts)
			Expect(inline[1].Sources).To(Equal([]transcript.Source{{URL: "https://x"}}))

			endpoint := history.FromRecords(records, history.Options{
				Transcript: transcript.Options{SourcesMode: transcript.SourcesEndpoint},
			})
			Expect(endpoint[1].Sources).To(BeEmpty())
		})

		It("should skip malformed records", func() {
			records := []history.Record{
				record(history.KindUser, "u", "q"),
				{ID: "bad", Role: history.KindToolResult, Content: json.RawMessage(`"not json"`)},
				{ID: "odd", Role: "system", Content: json.RawMessage(`"x"`)},
				{ID: "num", Role: history.KindAssistant, Content: json.RawMessage(`42`)},
				record(history.KindAssistant, "a", "fine"),
			}

			turns := history.Decode(records)
			Expect(turns).To(HaveLen(2))
			Expect(turns[0].Kind()).To(Equal(history.KindUser))
			Expect(turns[1].Kind()).To(Equal(history.KindAssistant))
		})

		It("should accept tool content stored as a JSON string", func() {
			payload, err := json.Marshal(`{"name":"search","result":{"ok":true}}`)
			Expect(err).NotTo(HaveOccurred())

			turns := history.Decode([]history.Record{{ID: "r", Role: history.KindToolResult, Content: payload}})
			Expect(turns).To(HaveLen(1))
			rt, ok := turns[0].(history.ToolResultTurn)
			Expect(ok).To(BeTrue())
			Expect(rt.Result.Name).To(Equal("search"))
			Expect(string(rt.Result.Result)).To(MatchJSON(`{"ok":true}`))
		})

		It("should decode the history endpoint payload", func() {
			raw := `[
				{"id":"1","role":"user","content":"hi","createdAt":"2025-03-01T12:00:00Z","files":[{"name":"a.txt"}]},
				{"id":"2","messageId":"m2","role":"assistant","content":"hello","createdAt":"2025-03-01T12:00:01Z","toolCalls":[{"name":"search","arguments":{}}]}
			]`
			var records []history.Record
			Expect(json.Unmarshal([]byte(raw), &records)).To(Succeed())

			msgs := history.FromRecords(records, opts)
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Files).To(HaveLen(1))
			Expect(msgs[1].ID).To(Equal("m2"))
			Expect(msgs[1].Body.ToolBlocks()[0].Header()).To(Equal("search"))
		})
	})
})

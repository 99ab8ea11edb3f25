package transcript

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/killallgit/divechat/pkg/stream"
)

const (
	toolOpen       = "<tool-call name=\""
	toolCallsTag   = "##Tool Calls:"
	toolResultTag  = "##Tool Result:"
	toolClose      = "</tool-call>"
	sourceOpen     = "<data-source>"
	sourceClose    = "</data-source>"
	base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="
)

var ErrMalformedBlock = errors.New("malformed embedded block")

var attrEscaper = strings.NewReplacer(`&`, "&amp;", `"`, "&quot;")
var attrUnescaper = strings.NewReplacer("&quot;", `"`, "&amp;", `&`)

// ToolBlock is one batch of tool invocations and, once every call has
// been answered, their results
type ToolBlock struct {
	Names    []string
	Calls    []stream.ToolCall
	Results  []json.RawMessage
	Complete bool
}

// Header is the display name: distinct tool names joined in first-seen order
func (t ToolBlock) Header() string {
	return strings.Join(t.Names, ", ")
}

func (t ToolBlock) clone() *ToolBlock {
	return &ToolBlock{
		Names:    append([]string(nil), t.Names...),
		Calls:    append([]stream.ToolCall(nil), t.Calls...),
		Results:  append([]json.RawMessage(nil), t.Results...),
		Complete: t.Complete,
	}
}

// Segment is either a run of text or a tool block
type Segment struct {
	Text string
	Tool *ToolBlock
}

// Body is the ordered content of a message
type Body []Segment

func TextBody(text string) Body {
	if text == "" {
		return nil
	}
	return Body{{Text: text}}
}

// AppendText adds text, merging with a trailing text segment
func (b Body) AppendText(text string) Body {
	if text == "" {
		return b
	}
	if n := len(b); n > 0 && b[n-1].Tool == nil {
		b[n-1].Text += text
		return b
	}
	return append(b, Segment{Text: text})
}

func (b Body) AppendTool(block ToolBlock) Body {
	return append(b, Segment{Tool: block.clone()})
}

func (b Body) Clone() Body {
	if b == nil {
		return nil
	}
	out := make(Body, len(b))
	for i, seg := range b {
		out[i] = seg
		if seg.Tool != nil {
			out[i].Tool = seg.Tool.clone()
		}
	}
	return out
}

// Plain concatenates the text segments
func (b Body) Plain() string {
	var sb strings.Builder
	for _, seg := range b {
		if seg.Tool == nil {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

func (b Body) ToolBlocks() []ToolBlock {
	var blocks []ToolBlock
	for _, seg := range b {
		if seg.Tool != nil {
			blocks = append(blocks, *seg.Tool)
		}
	}
	return blocks
}

// Render serializes the body in the textual grammar
func (b Body) Render() string {
	var sb strings.Builder
	for _, seg := range b {
		if seg.Tool == nil {
			sb.WriteString(seg.Text)
			continue
		}
		sb.WriteString(renderTool(*seg.Tool))
	}
	return sb.String()
}

func renderTool(t ToolBlock) string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(toolOpen)
	sb.WriteString(attrEscaper.Replace(t.Header()))
	sb.WriteString(`">`)
	sb.WriteString(toolCallsTag)
	sb.WriteString(encodeJSON(callsOrEmpty(t.Calls)))
	if t.Complete {
		sb.WriteString(toolResultTag)
		sb.WriteString(encodeJSON(resultsOrEmpty(t.Results)))
		sb.WriteString(toolClose)
	}
	sb.WriteString("\n")
	return sb.String()
}

func renderSources(sources []Source) string {
	return "\n" + sourceOpen + encodeJSON(sources) + sourceClose + "\n"
}

func callsOrEmpty(calls []stream.ToolCall) []stream.ToolCall {
	if calls == nil {
		return []stream.ToolCall{}
	}
	return calls
}

func resultsOrEmpty(results []json.RawMessage) []json.RawMessage {
	if results == nil {
		return []json.RawMessage{}
	}
	return results
}

// marshalJSON encodes like JSON.stringify: compact, no HTML escaping
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encodeJSON(v any) string {
	raw, err := marshalJSON(v)
	if err != nil {
		raw = []byte("null")
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeJSON(encoded string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ParseText is the inverse of Message.Text: it splits rendered text back
// into a body and its sources
func ParseText(text string) (Body, []Source, error) {
	var body Body
	var sources []Source

	rest := text
	for rest != "" {
		toolIdx := strings.Index(rest, toolOpen)
		srcIdx := strings.Index(rest, sourceOpen)

		next := toolIdx
		if next < 0 || (srcIdx >= 0 && srcIdx < next) {
			next = srcIdx
		}
		if next < 0 {
			body = body.AppendText(rest)
			break
		}

		// The newline before a block belongs to the block
		before := rest[:next]
		before = strings.TrimSuffix(before, "\n")
		body = body.AppendText(before)

		if next == srcIdx {
			parsed, consumed, err := parseSources(rest[next:])
			if err != nil {
				return nil, nil, err
			}
			sources = MergeSources(sources, parsed)
			rest = rest[next+consumed:]
			continue
		}

		block, consumed, err := parseTool(rest[next:])
		if err != nil {
			return nil, nil, err
		}
		body = body.AppendTool(block)
		rest = rest[next+consumed:]
	}

	return body, sources, nil
}

func parseTool(s string) (ToolBlock, int, error) {
	pos := len(toolOpen)
	end := strings.Index(s[pos:], `">`)
	if end < 0 {
		return ToolBlock{}, 0, fmt.Errorf("%w: unterminated tool name", ErrMalformedBlock)
	}
	var block ToolBlock
	if name := attrUnescaper.Replace(s[pos : pos+end]); name != "" {
		block.Names = strings.Split(name, ", ")
	}
	pos += end + 2

	if !strings.HasPrefix(s[pos:], toolCallsTag) {
		return ToolBlock{}, 0, fmt.Errorf("%w: missing tool calls segment", ErrMalformedBlock)
	}
	pos += len(toolCallsTag)
	encoded := takeBase64(s[pos:])
	if err := decodeJSON(encoded, &block.Calls); err != nil {
		return ToolBlock{}, 0, fmt.Errorf("%w: tool calls: %v", ErrMalformedBlock, err)
	}
	pos += len(encoded)
	if len(block.Calls) == 0 {
		block.Calls = nil
	}

	if !strings.HasPrefix(s[pos:], toolResultTag) {
		// Pending block: left open, terminated by the newline
		if strings.HasPrefix(s[pos:], "\n") {
			pos++
		}
		return block, pos, nil
	}
	pos += len(toolResultTag)
	encoded = takeBase64(s[pos:])
	if err := decodeJSON(encoded, &block.Results); err != nil {
		return ToolBlock{}, 0, fmt.Errorf("%w: tool result: %v", ErrMalformedBlock, err)
	}
	pos += len(encoded)
	if len(block.Results) == 0 {
		block.Results = nil
	}

	if !strings.HasPrefix(s[pos:], toolClose) {
		return ToolBlock{}, 0, fmt.Errorf("%w: missing closing tag", ErrMalformedBlock)
	}
	pos += len(toolClose)
	if strings.HasPrefix(s[pos:], "\n") {
		pos++
	}
	block.Complete = true
	return block, pos, nil
}

func parseSources(s string) ([]Source, int, error) {
	pos := len(sourceOpen)
	end := strings.Index(s[pos:], sourceClose)
	if end < 0 {
		return nil, 0, fmt.Errorf("%w: unterminated data-source", ErrMalformedBlock)
	}
	encoded := s[pos : pos+end]
	pos += end + len(sourceClose)
	if strings.HasPrefix(s[pos:], "\n") {
		pos++
	}

	var sources []Source
	if err := decodeJSON(encoded, &sources); err == nil {
		return MergeSources(nil, sources), pos, nil
	}

	// Older transcripts stored a bare list of URLs
	var urls []string
	if err := decodeJSON(encoded, &urls); err != nil {
		return nil, 0, fmt.Errorf("%w: data-source: %v", ErrMalformedBlock, err)
	}
	for _, u := range urls {
		sources = append(sources, Source{URL: u})
	}
	return MergeSources(nil, sources), pos, nil
}

func takeBase64(s string) string {
	end := 0
	for end < len(s) && strings.IndexByte(base64Alphabet, s[end]) >= 0 {
		end++
	}
	return s[:end]
}

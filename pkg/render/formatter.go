package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/killallgit/divechat/pkg/config"
	"github.com/killallgit/divechat/pkg/logger"
	"github.com/killallgit/divechat/pkg/transcript"
)

const minWidth = 30

// Options control how transcripts are printed
type Options struct {
	// Style is the chroma style used for tool payloads
	Style string
	// Formatter is the chroma formatter; "noop" disables highlighting
	Formatter string
	// ShowTools prints tool calls and results; otherwise a one-line marker
	ShowTools bool
	Width     int
}

func DefaultOptions() Options {
	return Options{
		Style:     "monokai",
		Formatter: "terminal16m",
		ShowTools: true,
		Width:     100,
	}
}

// OptionsFromConfig maps the render section of the settings
func OptionsFromConfig(cfg config.RenderConfig) Options {
	opts := DefaultOptions()
	if cfg.Style != "" {
		opts.Style = cfg.Style
	}
	if cfg.Formatter != "" {
		opts.Formatter = cfg.Formatter
	}
	if cfg.Width > 0 {
		opts.Width = cfg.Width
	}
	opts.ShowTools = cfg.ShowTools
	return opts
}

// Renderer turns messages into styled terminal text
type Renderer struct {
	opts Options
	log  *logger.ComponentLogger

	userStyle      lipgloss.Style
	assistantStyle lipgloss.Style
	errorStyle     lipgloss.Style
	toolBoxStyle   lipgloss.Style
	toolNameStyle  lipgloss.Style
	labelStyle     lipgloss.Style
	sourceStyle    lipgloss.Style
	titleStyle     lipgloss.Style

	chromaFormatter chroma.Formatter
	chromaStyle     *chroma.Style
}

func New(opts Options) *Renderer {
	formatter := formatters.Get(opts.Formatter)
	if formatter == nil {
		formatter = formatters.Fallback
	}
	style := styles.Get(opts.Style)
	if style == nil {
		style = styles.Fallback
	}

	return &Renderer{
		opts:            opts,
		log:             logger.WithComponent("render"),
		chromaFormatter: formatter,
		chromaStyle:     style,

		userStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorUserText),

		assistantStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAssistantText),

		errorStyle: lipgloss.NewStyle().
			Foreground(ColorBorderError),

		toolBoxStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1),

		toolNameStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorToolText),

		labelStyle: lipgloss.NewStyle().
			Foreground(ColorDimText).
			Italic(true),

		sourceStyle: lipgloss.NewStyle().
			Foreground(ColorSource),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Underline(true).
			Foreground(ColorHeaderText),
	}
}

func (r *Renderer) width() int {
	if r.opts.Width < minWidth {
		return minWidth
	}
	return r.opts.Width
}

// Transcript renders a whole chat, title first
func (r *Renderer) Transcript(title string, msgs []transcript.Message) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString(r.titleStyle.Render(title))
		sb.WriteString("\n\n")
	}
	for i, msg := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.Message(msg))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Message renders one message with its role header
func (r *Renderer) Message(msg transcript.Message) string {
	var sb strings.Builder
	sb.WriteString(r.Header(msg))
	sb.WriteString("\n")

	if msg.IsError {
		sb.WriteString(r.Error(msg.PlainText()))
		return sb.String()
	}

	for _, seg := range msg.Body {
		if seg.Tool != nil {
			sb.WriteString(r.ToolBlock(*seg.Tool))
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(seg.Text)
	}
	if len(msg.Files) > 0 {
		sb.WriteString("\n")
		sb.WriteString(r.Files(msg.Files))
	}
	if len(msg.Sources) > 0 {
		sb.WriteString("\n")
		sb.WriteString(r.Sources(msg.Sources))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Header is the role line printed above a message
func (r *Renderer) Header(msg transcript.Message) string {
	if msg.IsSent() {
		return r.userStyle.Render("You") + " " + r.labelStyle.Render(msg.ID)
	}
	return r.assistantStyle.Render("Assistant") + " " + r.labelStyle.Render(msg.ID)
}

func (r *Renderer) Error(text string) string {
	return r.errorStyle.Render(text)
}

// ToolBlock renders one batch of tool calls and their results
func (r *Renderer) ToolBlock(block transcript.ToolBlock) string {
	name := block.Header()
	if name == "" {
		name = "tool"
	}
	if !r.opts.ShowTools {
		marker := fmt.Sprintf("[%s: %d call(s)]", name, len(block.Calls))
		if !block.Complete {
			marker = fmt.Sprintf("[%s: waiting for results]", name)
		}
		return r.toolNameStyle.Render(marker)
	}

	var sb strings.Builder
	sb.WriteString(r.toolNameStyle.Render("⚙ " + name))
	for i, call := range block.Calls {
		sb.WriteString("\n")
		sb.WriteString(r.labelStyle.Render(fmt.Sprintf("call %d: %s", i+1, call.Name)))
		if len(call.Arguments) > 0 {
			sb.WriteString("\n")
			sb.WriteString(r.HighlightJSON(call.Arguments))
		}
	}
	if !block.Complete {
		sb.WriteString("\n")
		sb.WriteString(r.labelStyle.Render("waiting for results"))
	}
	for i, result := range block.Results {
		sb.WriteString("\n")
		sb.WriteString(r.labelStyle.Render(fmt.Sprintf("result %d:", i+1)))
		sb.WriteString("\n")
		sb.WriteString(r.HighlightJSON(result))
	}

	return r.toolBoxStyle.Width(r.width() - 2).Render(sb.String())
}

// Sources renders a numbered citation list
func (r *Renderer) Sources(sources []transcript.Source) string {
	var sb strings.Builder
	sb.WriteString(r.labelStyle.Render("Sources:"))
	for i, src := range sources {
		line := src.URL
		if src.Filename != "" {
			line = src.Filename + " " + src.URL
		}
		sb.WriteString("\n")
		sb.WriteString(r.sourceStyle.Render(fmt.Sprintf("%d. %s", i+1, line)))
	}
	return sb.String()
}

func (r *Renderer) Files(files []transcript.File) string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = f.Path
		}
		names = append(names, name)
	}
	return r.labelStyle.Render("Attached: " + strings.Join(names, ", "))
}

// HighlightJSON pretty-prints raw JSON and applies syntax highlighting.
// Payloads that are not valid JSON are highlighted as they are.
func (r *Renderer) HighlightJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	content := string(raw)
	if err := json.Indent(&pretty, raw, "", "  "); err == nil {
		content = pretty.String()
	}

	lexer := lexers.Get("json")
	if lexer == nil {
		lexer = lexers.Fallback
	}

	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		r.log.Debug("failed to tokenize payload, using plain text", "error", err)
		return content
	}
	var buf strings.Builder
	if err := r.chromaFormatter.Format(&buf, r.chromaStyle, iterator); err != nil {
		r.log.Debug("failed to format payload, using plain text", "error", err)
		return content
	}
	return strings.TrimRight(buf.String(), "\n")
}

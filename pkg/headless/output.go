package headless

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/killallgit/divechat/pkg/logger"
)

// Output writes colored status lines, separate from the transcript itself
type Output struct {
	w       io.Writer
	info    *color.Color
	success *color.Color
	warn    *color.Color
	fail    *color.Color
}

// NewOutput creates a new output handler writing to w
func NewOutput(w io.Writer) *Output {
	return &Output{
		w:       w,
		info:    color.New(color.FgCyan),
		success: color.New(color.FgGreen, color.Bold),
		warn:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed, color.Bold),
	}
}

func (o *Output) Info(format string, args ...interface{}) {
	o.info.Fprintln(o.w, fmt.Sprintf(format, args...))
}

func (o *Output) Success(format string, args ...interface{}) {
	o.success.Fprintln(o.w, fmt.Sprintf(format, args...))
}

// Warn prints a warning and records it in the log
func (o *Output) Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn("%s", msg)
	o.warn.Fprintln(o.w, msg)
}

// Error prints an error message and records it in the log
func (o *Output) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Error("%s", msg)
	o.fail.Fprintln(o.w, msg)
}

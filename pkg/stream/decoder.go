package stream

import (
	"bytes"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Frame is one complete "data: " line taken off the wire
type Frame struct {
	Payload string
	Done    bool // payload was the [DONE] sentinel
}

// Decoder turns raw body chunks into complete frames. Bytes after the last
// newline are kept until the next chunk arrives, so a line split across
// reads (or a UTF-8 sequence split across reads) is decoded once whole.
type Decoder struct {
	residual []byte
}

// NewDecoder creates an empty frame decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns every frame completed by it.
// Lines that are blank or lack the data prefix are dropped.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.residual = append(d.residual, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.residual, '\n')
		if idx < 0 {
			break
		}
		line := string(d.residual[:idx])
		d.residual = d.residual[idx+1:]

		if frame, ok := parseLine(line); ok {
			frames = append(frames, frame)
		}
	}

	// Drop the consumed prefix so the backing array does not grow forever
	if len(d.residual) == 0 {
		d.residual = nil
	}
	return frames
}

// Pending reports how many bytes are buffered without a terminating newline
func (d *Decoder) Pending() int {
	return len(d.residual)
}

// Reset discards any incomplete trailing line
func (d *Decoder) Reset() {
	d.residual = nil
}

func parseLine(line string) (Frame, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneSentinel {
		return Frame{Done: true}, true
	}
	return Frame{Payload: payload}, true
}

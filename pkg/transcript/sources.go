package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	sourcesMarker    = "<SOURCES>"
	sourcesEnd       = "</SOURCES>"
	filenameMarker   = "<FILENAME>"
	filenameEnd      = "</FILENAME>"
	defaultRetrieval = "query"
)

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractSources collects the citations of every text content item that
// starts with the <SOURCES> marker in a tool result payload. It returns them
// with the payload minus those items; the rest of the payload keeps its
// original bytes. Without such an item the payload is returned unchanged.
func ExtractSources(result json.RawMessage) ([]Source, json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return nil, result, false
	}
	rawContent, ok := fields["content"]
	if !ok {
		return nil, result, false
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawContent, &items); err != nil {
		return nil, result, false
	}

	var (
		sources []Source
		found   bool
		kept    = make([][]byte, 0, len(items))
	)
	for _, raw := range items {
		var item contentItem
		if err := json.Unmarshal(raw, &item); err == nil && item.Type == "text" && strings.HasPrefix(item.Text, sourcesMarker) {
			sources = MergeSources(sources, ParseSourceList(item.Text))
			found = true
			continue
		}
		kept = append(kept, raw)
	}
	if !found {
		return nil, result, false
	}

	content := append(append([]byte{'['}, bytes.Join(kept, []byte{','})...), ']')
	stripped, ok := replaceField(result, "content", content)
	if !ok {
		return nil, result, false
	}
	return sources, stripped, true
}

// replaceField swaps the value of a top-level key of a JSON object, leaving
// every other byte in place
func replaceField(obj json.RawMessage, key string, value []byte) (json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		keyEnd := int(dec.InputOffset())
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, false
		}
		if name, _ := tok.(string); name != key {
			continue
		}
		valueEnd := int(dec.InputOffset())
		valueStart := keyEnd + bytes.Index(obj[keyEnd:valueEnd], raw)
		out := make([]byte, 0, len(obj)-len(raw)+len(value))
		out = append(out, obj[:valueStart]...)
		out = append(out, value...)
		out = append(out, obj[valueEnd:]...)
		return out, true
	}
	return nil, false
}

// ParseSourceList decodes a <SOURCES> block: one entry per line, either a
// bare URL or <FILENAME>name</FILENAME>url. Duplicate URLs are dropped.
func ParseSourceList(text string) []Source {
	text = strings.Replace(text, sourcesMarker, "", 1)
	text = strings.Replace(text, sourcesEnd, "", 1)

	var sources []Source
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		src := Source{URL: line}
		if strings.HasPrefix(line, filenameMarker) {
			if end := strings.Index(line, filenameEnd); end >= 0 {
				src.Filename = strings.TrimSpace(line[len(filenameMarker):end])
				src.URL = strings.TrimSpace(line[end+len(filenameEnd):])
			}
		}
		if src.URL == "" {
			continue
		}
		sources = append(sources, src)
	}
	return MergeSources(nil, sources)
}

// MergeSources appends add to existing, keeping each URL once. The first
// occurrence wins; a later filename fills in a missing one.
func MergeSources(existing, add []Source) []Source {
	if len(add) == 0 {
		return existing
	}

	out := make([]Source, 0, len(existing)+len(add))
	index := make(map[string]int, len(existing)+len(add))
	for _, src := range append(append([]Source(nil), existing...), add...) {
		if i, seen := index[src.URL]; seen {
			if out[i].Filename == "" {
				out[i].Filename = src.Filename
			}
			continue
		}
		index[src.URL] = len(out)
		out = append(out, src)
	}
	return out
}

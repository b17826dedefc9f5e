package providers

import (
	"bufio"
	"io"
	"strings"
)

// doneMarker is the literal payload ending an SSE stream. It is never
// surfaced as a payload.
const doneMarker = "[DONE]"

// SSEScanner decodes server-sent-event framing from an upstream byte
// stream: lines split on newlines, a "data: " prefix introduces a
// payload, and "[DONE]" marks the end. Partial lines spanning chunk
// boundaries are buffered by the underlying reader and only parsed
// once a full line is available.
type SSEScanner struct {
	reader *bufio.Reader
	done   bool
}

// NewSSEScanner wraps an upstream body stream.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReader(r)}
}

// Next returns the next data payload, or io.EOF once the stream has
// ended (via [DONE] or upstream close). Non-data lines (comments,
// event names, blank separators) are skipped.
func (s *SSEScanner) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) == "" {
				s.done = true
				return nil, io.EOF
			}
			if err != io.EOF {
				return nil, err
			}
			// Final line without a trailing newline; fall through and
			// parse it, then end on the next call.
			s.done = true
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneMarker {
			s.done = true
			return nil, io.EOF
		}
		if payload == "" {
			continue
		}
		return []byte(payload), nil
	}
}

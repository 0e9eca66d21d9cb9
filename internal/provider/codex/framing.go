package codex

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var headerTerminator = []byte("\r\n\r\n")

// frame wraps a JSON body with the Content-Length header used by the
// app-server's stdio protocol.
func frame(body []byte) []byte {
	out := make([]byte, 0, len(body)+32)
	out = append(out, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))...)
	return append(out, body...)
}

// framer incrementally decodes Content-Length framed messages from a byte
// stream arriving in arbitrary chunks.
type framer struct {
	buf bytes.Buffer
}

// Feed appends data and returns every complete message body now available.
// A header block without a parseable Content-Length is skipped so the
// stream can resynchronize on the next message.
func (f *framer) Feed(data []byte) [][]byte {
	f.buf.Write(data)

	var bodies [][]byte
	for {
		raw := f.buf.Bytes()
		idx := bytes.Index(raw, headerTerminator)
		if idx < 0 {
			return bodies
		}

		length, ok := parseContentLength(raw[:idx])
		if !ok {
			// Malformed header: drop it and resume after the terminator.
			f.buf.Next(idx + len(headerTerminator))
			continue
		}

		total := idx + len(headerTerminator) + length
		if f.buf.Len() < total {
			return bodies // body not fully buffered yet
		}

		body := make([]byte, length)
		f.buf.Next(idx + len(headerTerminator))
		copy(body, f.buf.Next(length))
		bodies = append(bodies, body)
	}
}

// parseContentLength scans a header block for a Content-Length line.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

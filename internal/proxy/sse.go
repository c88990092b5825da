package proxy

import (
	"bufio"
	"bytes"
	"io"
)

const maxEventSize = 1 << 20

var doneMarker = []byte("[DONE]")

// EventReader yields the data payloads of a server-sent event stream.
// Comment lines (": keep-alive") and non-data fields are skipped.
type EventReader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewEventReader reads SSE lines from r.
func NewEventReader(r io.Reader) *EventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &EventReader{scanner: sc}
}

// Next returns the next data payload. It returns io.EOF after the [DONE]
// marker or at the end of the body. The returned slice is only valid until
// the following call.
func (e *EventReader) Next() ([]byte, error) {
	if e.done {
		return nil, io.EOF
	}
	for e.scanner.Scan() {
		line := e.scanner.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, doneMarker) {
			e.done = true
			return nil, io.EOF
		}
		return data, nil
	}
	if err := e.scanner.Err(); err != nil {
		return nil, err
	}
	e.done = true
	return nil, io.EOF
}

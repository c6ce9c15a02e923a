package stream

import (
	"bufio"
	"bytes"
	"io"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data []byte
}

// readEvents parses server-sent events from r and calls emit for each
// complete event. Comment lines (leading ':') are heartbeats and are
// skipped; 'id' and 'retry' fields are ignored. Returns when the
// stream ends or errors.
func readEvents(r io.Reader, emit func(sseEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	name := ""
	var data [][]byte

	dispatch := func() {
		if len(data) > 0 {
			n := name
			if n == "" {
				n = "message"
			}
			emit(sseEvent{name: n, data: bytes.Join(data, []byte("\n"))})
		}
		name = ""
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			dispatch()
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
	}

	dispatch()
	return scanner.Err()
}

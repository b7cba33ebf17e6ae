package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// IsJSONMode returns true if JSON output should be enabled.
// Checks: (1) explicit forceJSON flag, (2) w is a file that is not a TTY.
// Writers that are not files, such as buffers, get human output.
func IsJSONMode(forceJSON bool, w io.Writer) bool {
	if forceJSON {
		return true
	}

	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return !term.IsTerminal(int(f.Fd()))
}

const defaultMaxLineSize = 64 * 1024

// JSONLineReader reads events from a JSON lines stream.
// Not thread-safe; use from a single goroutine.
type JSONLineReader struct {
	r *bufio.Reader
}

// NewJSONLineReader creates a new JSON line reader from r.
// Uses a 64KB buffer by default for line reading.
func NewJSONLineReader(r io.Reader) *JSONLineReader {
	return &JSONLineReader{
		r: bufio.NewReaderSize(r, defaultMaxLineSize),
	}
}

// Read reads the next JSON line and parses it into an Event.
// Returns io.EOF when the stream is exhausted.
// Returns an error for malformed JSON (caller should log and continue).
func (jr *JSONLineReader) Read() (Event, error) {
	for {
		line, err := jr.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return Event{}, err
		}
		if len(line) == 0 && err == io.EOF {
			return Event{}, io.EOF
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err == io.EOF {
				return Event{}, io.EOF
			}
			continue
		}

		return ParseJSONEvent(line)
	}
}

// ParseJSONEvent parses a single JSON object into an Event.
func ParseJSONEvent(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return e, nil
}

// DecodeBatch parses a request body holding either one event object or an
// array of them.
func DecodeBatch(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty event body")
	}

	if data[0] == '[' {
		var batch []Event
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return batch, nil
	}

	e, err := ParseJSONEvent(data)
	if err != nil {
		return nil, err
	}
	return []Event{e}, nil
}

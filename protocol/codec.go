package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single framed message.
const MaxLineSize = 64 * 1024 * 1024

type flusher interface {
	Flush() error
}

// Writer frames messages onto an output stream. Safe for concurrent use; each
// message reaches the underlying writer in a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	if f, ok := w.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush %s message: %w", msg.Type, err)
		}
	}
	return nil
}

// Encode returns msg as one newline-terminated JSON record.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line. ok is false for blank lines and noise.
func Decode(line []byte) (msg Message, ok bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Message{}, false
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, false
	}
	if msg.Type == "" {
		return Message{}, false
	}
	return msg, true
}

// Reader reads framed messages, silently discarding lines that are not
// protocol messages.
type Reader struct {
	sc      *bufio.Scanner
	skipped int
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{sc: sc}
}

// Read returns the next message, or io.EOF once the stream is exhausted.
func (r *Reader) Read() (Message, error) {
	for r.sc.Scan() {
		if msg, ok := Decode(r.sc.Bytes()); ok {
			return msg, nil
		}
		if len(bytes.TrimSpace(r.sc.Bytes())) > 0 {
			r.skipped++
		}
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	return Message{}, io.EOF
}

// Skipped returns how many non-blank noise lines have been discarded.
func (r *Reader) Skipped() int {
	return r.skipped
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineBytes bounds the accumulating receive buffer. A peer that streams
// this much data without a newline is not speaking the protocol.
const MaxLineBytes = 4 << 20

// ErrLineTooLong is reported by Decoder.Push when the buffer limit is hit.
// The decoder has already discarded its buffer when this is returned.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

// Encode serializes a message as one newline-terminated JSON line.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return append(data, '\n'), nil
}

// Writer serializes messages onto a stream. Writes are serialized against
// each other so concurrent senders cannot interleave partial lines. The lock
// is held only for the single Write call, never across any other I/O.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes msg and writes it as a single line.
func (w *Writer) Write(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// WritePing writes a liveness probe stamped with the current time.
func (w *Writer) WritePing() error {
	return w.Write(&Message{Type: TypePing, Timestamp: unixNow()})
}

// WritePong writes a liveness reply stamped with the current time.
func (w *Writer) WritePong() error {
	return w.Write(&Message{Type: TypePong, Timestamp: unixNow()})
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Decoder turns a raw byte stream into discrete messages. It keeps an
// accumulating buffer; each Push appends the received bytes and extracts
// every complete newline-terminated segment. A segment that fails to decode
// is a protocol violation: the whole buffer is discarded, not just the bad
// segment, so the stream cannot stay desynchronized on a partial line.
type Decoder struct {
	buf bytes.Buffer
}

// Push appends data and returns every complete message it yields. When a
// segment fails to decode, Push returns the messages decoded before the bad
// segment together with a non-nil error; the internal buffer has been reset
// and subsequent Pushes start clean. The caller logs the error and keeps
// reading.
func (d *Decoder) Push(data []byte) ([]Message, error) {
	d.buf.Write(data)

	var msgs []Message
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			if d.buf.Len() > MaxLineBytes {
				d.buf.Reset()
				return msgs, ErrLineTooLong
			}
			return msgs, nil
		}

		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			d.buf.Reset()
			return msgs, fmt.Errorf("protocol: malformed message: %w", err)
		}
		if msg.Type == "" {
			d.buf.Reset()
			return msgs, errors.New("protocol: message missing type")
		}
		msg.Type = msg.Type.Canonical()
		msgs = append(msgs, msg)
	}
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

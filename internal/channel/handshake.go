package channel

import (
	"fmt"
	"net"
	"time"

	"github.com/remotely-sh/remotely/internal/protocol"
)

// MessageReader reads discrete messages from a raw connection before a
// Channel takes it over. Both ends use it for the registration exchange;
// afterwards the decoder and any queued surplus are handed to the Channel so
// no bytes are lost across the transition.
type MessageReader struct {
	conn  net.Conn
	dec   *protocol.Decoder
	queue []protocol.Message
}

// NewMessageReader wraps conn with a fresh decoder.
func NewMessageReader(conn net.Conn) *MessageReader {
	return &MessageReader{conn: conn, dec: &protocol.Decoder{}}
}

// Next returns the next message, waiting at most timeout for it to arrive.
// Malformed input is a hard error here: during a handshake there is no
// established session worth preserving.
func (r *MessageReader) Next(timeout time.Duration) (*protocol.Message, error) {
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		return &msg, nil
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64*1024)
	for {
		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := r.conn.Read(buf)
		if n > 0 {
			msgs, derr := r.dec.Push(buf[:n])
			if derr != nil {
				return nil, derr
			}
			if len(msgs) > 0 {
				r.queue = append(r.queue, msgs[1:]...)
				return &msgs[0], nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}
}

// Handoff surrenders the decoder and any messages read past the handshake,
// for wiring into a Channel Config.
func (r *MessageReader) Handoff() (*protocol.Decoder, []protocol.Message) {
	return r.dec, r.queue
}

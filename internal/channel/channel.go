// Package channel implements the bidirectional message loop shared by both
// ends of a connection. Either side can issue commands, answer liveness
// probes, and execute requests from its peer; nothing in this package knows
// whether it is running inside the agent or the controller.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/remotely-sh/remotely/internal/protocol"
)

const (
	// DefaultIdleInterval is how long the receive loop waits without
	// traffic before probing the peer.
	DefaultIdleInterval = 30 * time.Second

	// DefaultProbeTimeout is how long an unanswered probe is tolerated.
	DefaultProbeTimeout = 15 * time.Second

	// DefaultCommandTimeout bounds a Submit that was given no timeout.
	DefaultCommandTimeout = 90 * time.Second
)

var (
	// ErrClosed is returned by operations on a torn-down channel.
	ErrClosed = errors.New("channel: closed")

	// ErrHeartbeatTimeout reports a peer that stopped answering probes.
	ErrHeartbeatTimeout = errors.New("channel: heartbeat timed out")
)

// Executor runs a command requested by the remote peer.
type Executor interface {
	Execute(ctx context.Context, command string) *protocol.CommandResult
}

// Callback receives the result of a submitted command. It is invoked exactly
// once per submission: with the peer's result, a synthesized timeout result,
// or a synthesized connection-failure result, whichever happens first.
type Callback func(id string, result *protocol.CommandResult)

// Config carries the collaborators for a Channel. Conn is required; the
// remaining fields default as documented.
type Config struct {
	Conn net.Conn

	// Executor handles inbound command requests. When nil, requests are
	// answered with an error result instead of being executed.
	Executor Executor

	// OnChat receives chat messages from the peer. When nil they are
	// logged and dropped.
	OnChat func(sender, text string)

	// Decoder carries buffered bytes left over from a handshake performed
	// on the raw connection. When nil a fresh decoder is used.
	Decoder *protocol.Decoder

	// Backlog holds messages read during the handshake that belong to the
	// established session. Run dispatches them before reading the socket.
	Backlog []protocol.Message

	Logger *log.Logger

	IdleInterval   time.Duration
	ProbeTimeout   time.Duration
	CommandTimeout time.Duration
}

type pendingCommand struct {
	callback Callback
	timer    *time.Timer
}

// Channel multiplexes command traffic over a single connection. Outbound
// submissions are correlated to inbound results by command id; inbound
// requests are executed concurrently and answered on the same connection.
type Channel struct {
	conn   net.Conn
	w      *protocol.Writer
	dec    *protocol.Decoder
	exec   Executor
	onChat func(sender, text string)
	log    *log.Logger

	lastSeen atomic.Int64

	idle       time.Duration
	probe      time.Duration
	cmdTimeout time.Duration

	backlog []protocol.Message

	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool
}

// New wires a Channel around an established connection. The caller runs the
// receive loop with Run.
func New(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Decoder == nil {
		cfg.Decoder = &protocol.Decoder{}
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	c := &Channel{
		conn:       cfg.Conn,
		w:          protocol.NewWriter(cfg.Conn),
		dec:        cfg.Decoder,
		exec:       cfg.Executor,
		onChat:     cfg.OnChat,
		log:        cfg.Logger,
		idle:       cfg.IdleInterval,
		probe:      cfg.ProbeTimeout,
		cmdTimeout: cfg.CommandTimeout,
		backlog:    cfg.Backlog,
		pending:    make(map[string]*pendingCommand),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// RemoteAddr reports the peer's address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LastSeen reports when the peer last sent any traffic.
func (c *Channel) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// SendChat sends a chat message to the peer. Sender may be empty; the
// controller fills it in when relaying.
func (c *Channel) SendChat(sender, text string) error {
	return c.w.Write(&protocol.Message{
		Type:      protocol.TypeChat,
		Chat:      text,
		Sender:    sender,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

// Submit sends a command to the peer and registers callback for its result.
// It returns the command id immediately; the callback fires later from the
// receive loop, from a timeout, or from teardown. A non-positive timeout
// selects the configured default.
func (c *Channel) Submit(command string, timeout time.Duration, callback Callback) (string, error) {
	if timeout <= 0 {
		timeout = c.cmdTimeout
	}
	id := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	p := &pendingCommand{callback: callback}
	p.timer = time.AfterFunc(timeout, func() { c.expire(id, timeout) })
	c.pending[id] = p
	c.mu.Unlock()

	err := c.w.Write(&protocol.Message{
		Type:      protocol.TypeCommandRequest,
		CommandID: id,
		Command:   command,
	})
	if err != nil {
		if p := c.take(id); p != nil {
			p.timer.Stop()
		}
		return "", fmt.Errorf("submit command: %w", err)
	}
	return id, nil
}

// Call submits a command and blocks until its result arrives, the timeout
// fires, the channel tears down, or ctx is cancelled. Cancellation abandons
// the wait; the command itself keeps running on the peer.
func (c *Channel) Call(ctx context.Context, command string, timeout time.Duration) (*protocol.CommandResult, error) {
	ch := make(chan *protocol.CommandResult, 1)
	if _, err := c.Submit(command, timeout, func(_ string, res *protocol.CommandResult) {
		ch <- res
	}); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending reports how many submissions are still awaiting a result.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending entry for id, or nil.
func (c *Channel) take(id string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[id]
	delete(c.pending, id)
	return p
}

// expire resolves a submission whose result never arrived.
func (c *Channel) expire(id string, timeout time.Duration) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.log.Printf("[channel] command %s timed out after %s", id, timeout)
	c.resolve(id, p, protocol.ErrorResult(
		fmt.Sprintf("no response within %s", timeout), ""))
}

// resolve invokes a pending callback. A panicking callback must not take the
// receive loop down with it.
func (c *Channel) resolve(id string, p *pendingCommand, res *protocol.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Printf("[channel] callback for command %s panicked: %v", id, r)
		}
	}()
	p.callback(id, res)
}

// Close tears the channel down: the connection is closed and every pending
// submission is resolved with a connection-failure result. Safe to call more
// than once and from any goroutine.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	orphans := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	err := c.conn.Close()

	for id, p := range orphans {
		p.timer.Stop()
		c.resolve(id, p, protocol.ErrorResult("connection lost before response", ""))
	}
	return err
}

// Run drives the receive loop until the connection fails, the peer goes
// silent past the probe window, or ctx is cancelled. It always tears the
// channel down before returning, so pending submissions never outlive it.
func (c *Channel) Run(ctx context.Context) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for i := range c.backlog {
		c.dispatch(ctx, &c.backlog[i])
	}
	c.backlog = nil

	buf := make([]byte, 64*1024)
	awaitingPong := false

	for {
		wait := c.idle
		if awaitingPong {
			wait = c.probe
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			// Any traffic proves the peer is alive.
			awaitingPong = false
			c.lastSeen.Store(time.Now().UnixNano())

			msgs, derr := c.dec.Push(buf[:n])
			for i := range msgs {
				c.dispatch(ctx, &msgs[i])
			}
			if derr != nil {
				c.log.Printf("[channel] %s: %v (discarding buffer)", c.conn.RemoteAddr(), derr)
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if awaitingPong {
					return ErrHeartbeatTimeout
				}
				if perr := c.w.WritePing(); perr != nil {
					return fmt.Errorf("send ping: %w", perr)
				}
				awaitingPong = true
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		if err := c.w.WritePong(); err != nil {
			c.log.Printf("[channel] send pong: %v", err)
		}

	case protocol.TypePong:
		// Liveness already noted by the read loop.

	case protocol.TypeCommandRequest:
		go c.serve(ctx, msg.CommandID, msg.Command)

	case protocol.TypeChat:
		if c.onChat == nil {
			c.log.Printf("[channel] chat from %s dropped (no handler): %s",
				c.conn.RemoteAddr(), msg.Chat)
			return
		}
		c.onChat(msg.Sender, msg.Chat)

	case protocol.TypeCommandResult:
		p := c.take(msg.CommandID)
		if p == nil {
			// Late, duplicate, or unsolicited result.
			c.log.Printf("[channel] dropping result for unknown command %s", msg.CommandID)
			return
		}
		p.timer.Stop()
		res := msg.Result
		if res == nil {
			res = protocol.ErrorResult("peer sent result without payload", "")
		}
		c.resolve(msg.CommandID, p, res)

	default:
		c.log.Printf("[channel] ignoring %s message from %s", msg.Type, c.conn.RemoteAddr())
	}
}

// serve executes one inbound request and writes its result back under the
// same command id.
func (c *Channel) serve(ctx context.Context, id, command string) {
	var res *protocol.CommandResult
	if c.exec == nil {
		res = protocol.ErrorResult("command execution not supported by this peer", "")
	} else {
		res = c.exec.Execute(ctx, command)
	}

	err := c.w.Write(&protocol.Message{
		Type:      protocol.TypeCommandResult,
		CommandID: id,
		Result:    res,
	})
	if err != nil {
		c.log.Printf("[channel] send result for %s: %v", id, err)
	}
}

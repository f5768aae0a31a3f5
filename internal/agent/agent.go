// Package agent maintains a registered session with a controller: it dials,
// introduces itself, serves the controller's commands, and re-establishes
// the session when the connection drops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remotely-sh/remotely/internal/channel"
	"github.com/remotely-sh/remotely/internal/identity"
	"github.com/remotely-sh/remotely/internal/protocol"
)

// State tracks where the agent is in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultMaxReconnects     = 10
	DefaultRegisterTimeout   = 10 * time.Second
)

var (
	// ErrReconnectExhausted is returned by Run after the configured number
	// of consecutive failed connection attempts.
	ErrReconnectExhausted = errors.New("agent: reconnect attempts exhausted")

	// ErrNotConnected is returned by Submit and Call while no session is
	// established.
	ErrNotConnected = errors.New("agent: not connected")

	// ErrRegistrationRejected is returned when the controller refuses the
	// registration. Retrying with the same credentials cannot succeed, so
	// this ends the session loop.
	ErrRegistrationRejected = errors.New("agent: registration rejected")
)

// Config assembles an Agent.
type Config struct {
	Dial  DialConfig
	Token string

	// ID overrides the generated agent identifier.
	ID string

	// Executor serves the controller's command requests.
	Executor channel.Executor

	// OnChat receives chat messages relayed by the controller.
	OnChat func(sender, text string)

	Logger *log.Logger

	ReconnectInterval time.Duration
	MaxReconnects     int
	RegisterTimeout   time.Duration
	IdleInterval      time.Duration
	ProbeTimeout      time.Duration

	// OnConnect fires after each successful registration. OnDisconnect
	// fires when an established session ends, with the loop error.
	OnConnect    func(ch *channel.Channel)
	OnDisconnect func(err error)
}

// Agent is the client side of the system. Run owns the lifecycle; the other
// methods observe it.
type Agent struct {
	cfg   Config
	log   *log.Logger
	info  *protocol.SystemInfo
	state atomic.Int32

	mu sync.Mutex
	ch *channel.Channel
}

// New creates an Agent. Host identity is gathered once; the same identifier
// is presented across reconnects so the controller sees one logical agent.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	return &Agent{
		cfg:  cfg,
		log:  cfg.Logger,
		info: identity.Gather(cfg.ID),
	}
}

// ID returns the identifier the agent registers under.
func (a *Agent) ID() string {
	return a.info.AgentID
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

// Channel returns the live channel, or nil when not connected. The agent can
// issue commands toward the controller through it; traffic flows both ways
// on the one connection.
func (a *Agent) Channel() *channel.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

// Submit sends a command toward the controller over the live session.
func (a *Agent) Submit(command string, timeout time.Duration, callback channel.Callback) (string, error) {
	ch := a.Channel()
	if ch == nil {
		return "", ErrNotConnected
	}
	return ch.Submit(command, timeout, callback)
}

// Call sends a command toward the controller and waits for its result.
func (a *Agent) Call(ctx context.Context, command string, timeout time.Duration) (*protocol.CommandResult, error) {
	ch := a.Channel()
	if ch == nil {
		return nil, ErrNotConnected
	}
	return ch.Call(ctx, command, timeout)
}

// Chat sends a chat message to the controller for relay to other agents.
func (a *Agent) Chat(text string) error {
	ch := a.Channel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.SendChat(a.info.AgentID, text)
}

// Run connects and serves until ctx is cancelled, registration is rejected,
// or too many consecutive attempts fail. The attempt counter resets after
// every successful registration, so a long-lived agent that loses its link
// once gets the full budget again.
func (a *Agent) Run(ctx context.Context) error {
	attempts := 0
	for {
		if attempts > 0 {
			a.setState(StateReconnecting)
			a.log.Printf("[agent] reconnect attempt %d/%d in %s",
				attempts, a.cfg.MaxReconnects, a.cfg.ReconnectInterval)
			select {
			case <-time.After(a.cfg.ReconnectInterval):
			case <-ctx.Done():
				a.setState(StateDisconnected)
				return ctx.Err()
			}
		}

		err := a.session(ctx)
		switch {
		case ctx.Err() != nil:
			a.setState(StateDisconnected)
			return ctx.Err()
		case errors.Is(err, ErrRegistrationRejected):
			a.setState(StateFailed)
			return err
		case errors.Is(err, errSessionEstablished):
			// The link was up and later failed; start a fresh budget.
			attempts = 1
		default:
			attempts++
		}

		if attempts > a.cfg.MaxReconnects {
			a.setState(StateFailed)
			return fmt.Errorf("%w after %d attempts: %v",
				ErrReconnectExhausted, a.cfg.MaxReconnects, err)
		}
	}
}

// errSessionEstablished marks a session that registered successfully before
// failing, which distinguishes "retry with a fresh budget" from "this
// attempt never got off the ground".
var errSessionEstablished = errors.New("agent: established session ended")

// session performs one connect-register-serve cycle.
func (a *Agent) session(ctx context.Context) error {
	a.setState(StateConnecting)
	conn, err := Dial(ctx, a.cfg.Dial)
	if err != nil {
		a.log.Printf("[agent] connect: %v", err)
		return err
	}

	a.setState(StateRegistering)
	dec, backlog, err := a.register(conn)
	if err != nil {
		conn.Close()
		if !errors.Is(err, ErrRegistrationRejected) {
			a.log.Printf("[agent] register: %v", err)
		}
		return err
	}

	ch := channel.New(channel.Config{
		Conn:         conn,
		Executor:     a.cfg.Executor,
		OnChat:       a.cfg.OnChat,
		Decoder:      dec,
		Backlog:      backlog,
		Logger:       a.log,
		IdleInterval: a.cfg.IdleInterval,
		ProbeTimeout: a.cfg.ProbeTimeout,
	})

	a.mu.Lock()
	a.ch = ch
	a.mu.Unlock()
	a.setState(StateConnected)
	a.log.Printf("[agent] registered with %s as %s", a.cfg.Dial.Address, a.info.AgentID)

	if a.cfg.OnConnect != nil {
		a.cfg.OnConnect(ch)
	}

	err = ch.Run(ctx)

	a.mu.Lock()
	a.ch = nil
	a.mu.Unlock()
	a.log.Printf("[agent] session ended: %v", err)

	if a.cfg.OnDisconnect != nil {
		a.cfg.OnDisconnect(err)
	}
	return fmt.Errorf("%w: %v", errSessionEstablished, err)
}

// register sends the introduction and waits for the controller's verdict.
// The returned decoder and backlog carry any bytes the controller sent
// immediately after its acknowledgement.
func (a *Agent) register(conn net.Conn) (*protocol.Decoder, []protocol.Message, error) {
	w := protocol.NewWriter(conn)
	conn.SetWriteDeadline(time.Now().Add(a.cfg.RegisterTimeout))
	err := w.Write(&protocol.Message{
		Type:       protocol.TypeRegistration,
		SystemInfo: a.info,
		AuthToken:  a.cfg.Token,
	})
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("send registration: %w", err)
	}

	r := channel.NewMessageReader(conn)
	msg, err := r.Next(a.cfg.RegisterTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("await registration ack: %w", err)
	}

	switch msg.Type {
	case protocol.TypeRegistrationAck:
		conn.SetReadDeadline(time.Time{})
		dec, backlog := r.Handoff()
		return dec, backlog, nil
	case protocol.TypeRegistrationError:
		return nil, nil, fmt.Errorf("%w: %s", ErrRegistrationRejected, msg.Error)
	default:
		return nil, nil, fmt.Errorf("unexpected %s message during registration", msg.Type)
	}
}

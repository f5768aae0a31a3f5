// Package controller accepts agent connections, tracks registered sessions,
// and routes commands to them. The transport is symmetric underneath: agents
// can issue commands back through the same connection, which the controller
// serves with its own executor.
package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remotely-sh/remotely/internal/channel"
	"github.com/remotely-sh/remotely/internal/protocol"
)

var (
	// ErrAgentNotFound is returned when no session matches an identifier.
	ErrAgentNotFound = errors.New("controller: no such agent")

	// ErrAmbiguousAgent is returned when a prefix matches several agents.
	ErrAmbiguousAgent = errors.New("controller: ambiguous agent id")

	// ErrStopped is returned by Serve after Stop.
	ErrStopped = errors.New("controller: stopped")
)

// DefaultRegisterTimeout bounds how long a fresh connection may take to
// introduce itself before being dropped.
const DefaultRegisterTimeout = 10 * time.Second

// Session is one registered agent connection.
type Session struct {
	ID          string
	Info        *protocol.SystemInfo
	RemoteAddr  string
	ConnectedAt time.Time

	ch *channel.Channel
}

// Call routes one command to this agent and waits for its result.
func (s *Session) Call(ctx context.Context, command string, timeout time.Duration) (*protocol.CommandResult, error) {
	return s.ch.Call(ctx, command, timeout)
}

// Submit routes a command without waiting; callback fires with the result.
func (s *Session) Submit(command string, timeout time.Duration, callback channel.Callback) (string, error) {
	return s.ch.Submit(command, timeout, callback)
}

// LastSeen reports when this agent last sent any traffic.
func (s *Session) LastSeen() time.Time {
	return s.ch.LastSeen()
}

// Config assembles a Controller.
type Config struct {
	Address string

	// Token, when set, must be presented by every registering agent.
	Token string

	// TLS wraps the listener when non-nil.
	TLS *tls.Config

	// Executor serves command requests initiated by agents. When nil such
	// requests are answered with an error result.
	Executor channel.Executor

	Logger *log.Logger

	RegisterTimeout time.Duration
	IdleInterval    time.Duration
	ProbeTimeout    time.Duration
	CommandTimeout  time.Duration

	OnAgentConnected    func(*Session)
	OnAgentDisconnected func(*Session, error)

	// OnChat observes chat messages after they are relayed.
	OnChat func(sender, text string)
}

// Controller is the server side of the system.
type Controller struct {
	cfg Config
	log *log.Logger

	ln      net.Listener
	stopped atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	agents map[string]*Session

	totalConns    atomic.Int64
	totalCommands atomic.Int64
}

// New creates a Controller; call Listen then Serve.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRegisterTimeout
	}
	return &Controller{
		cfg:    cfg,
		log:    cfg.Logger,
		agents: make(map[string]*Session),
	}
}

// Listen binds the configured address, wrapping it in TLS when configured.
func (c *Controller) Listen() error {
	ln, err := net.Listen("tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Address, err)
	}
	if c.cfg.TLS != nil {
		ln = tls.NewListener(ln, c.cfg.TLS)
	}
	c.ln = ln
	return nil
}

// Addr reports the bound listener address.
func (c *Controller) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Serve accepts connections until Stop is called or ctx is cancelled. Each
// connection gets its own goroutine; a misbehaving agent never blocks the
// accept loop.
func (c *Controller) Serve(ctx context.Context) error {
	if c.ln == nil {
		if err := c.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { c.ln.Close() })
	defer stop()

	c.log.Printf("[controller] listening on %s", c.ln.Addr())
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.stopped.Load() {
				return ErrStopped
			}
			c.log.Printf("[controller] accept: %v", err)
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}

		c.totalConns.Add(1)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(ctx, conn)
		}()
	}
}

// handle runs one connection from registration to teardown.
func (c *Controller) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	r := channel.NewMessageReader(conn)
	msg, err := r.Next(c.cfg.RegisterTimeout)
	if err != nil {
		c.log.Printf("[controller] %s: dropped before registration: %v", remote, err)
		conn.Close()
		return
	}

	w := protocol.NewWriter(conn)
	if msg.Type != protocol.TypeRegistration {
		c.log.Printf("[controller] %s: expected registration, got %s", remote, msg.Type)
		w.Write(&protocol.Message{
			Type:  protocol.TypeRegistrationError,
			Error: "registration required",
		})
		conn.Close()
		return
	}
	if msg.SystemInfo == nil || msg.SystemInfo.AgentID == "" {
		c.log.Printf("[controller] %s: registration without agent id", remote)
		w.Write(&protocol.Message{
			Type:  protocol.TypeRegistrationError,
			Error: "registration missing system info",
		})
		conn.Close()
		return
	}
	if c.cfg.Token != "" && msg.AuthToken != c.cfg.Token {
		c.log.Printf("[controller] %s: rejected registration for %s: bad token",
			remote, msg.SystemInfo.AgentID)
		w.Write(&protocol.Message{
			Type:  protocol.TypeRegistrationError,
			Error: "invalid auth token",
		})
		conn.Close()
		return
	}

	sess := &Session{
		ID:          msg.SystemInfo.AgentID,
		Info:        msg.SystemInfo,
		RemoteAddr:  remote,
		ConnectedAt: time.Now(),
	}

	conn.SetReadDeadline(time.Time{})
	dec, backlog := r.Handoff()
	sess.ch = channel.New(channel.Config{
		Conn:     conn,
		Executor: c.cfg.Executor,
		// The relay stamps the originating session's id as the sender;
		// whatever the agent claimed is not trusted.
		OnChat:         func(_, text string) { c.relayChat(sess, text) },
		Decoder:        dec,
		Backlog:        backlog,
		Logger:         c.log,
		IdleInterval:   c.cfg.IdleInterval,
		ProbeTimeout:   c.cfg.ProbeTimeout,
		CommandTimeout: c.cfg.CommandTimeout,
	})

	if err := w.Write(&protocol.Message{Type: protocol.TypeRegistrationAck}); err != nil {
		c.log.Printf("[controller] %s: send ack: %v", remote, err)
		conn.Close()
		return
	}

	c.adopt(sess)
	c.log.Printf("[controller] agent %s registered from %s (%s, %s)",
		sess.ID, remote, sess.Info.Hostname, sess.Info.Platform)
	if c.cfg.OnAgentConnected != nil {
		c.cfg.OnAgentConnected(sess)
	}

	err = sess.ch.Run(ctx)

	c.release(sess)
	c.log.Printf("[controller] agent %s disconnected: %v", sess.ID, err)
	if c.cfg.OnAgentDisconnected != nil {
		c.cfg.OnAgentDisconnected(sess, err)
	}
}

// adopt registers a session, displacing any existing connection claiming the
// same id. A reconnecting agent must not be locked out by its own dead
// predecessor still sitting in the table.
func (c *Controller) adopt(sess *Session) {
	c.mu.Lock()
	old := c.agents[sess.ID]
	c.agents[sess.ID] = sess
	c.mu.Unlock()

	if old != nil {
		c.log.Printf("[controller] agent %s reconnected, displacing previous session from %s",
			sess.ID, old.RemoteAddr)
		old.ch.Close()
	}
}

// release removes a session, but only if it is still the current holder of
// its id; a displaced session must not evict its replacement.
func (c *Controller) release(sess *Session) {
	c.mu.Lock()
	if c.agents[sess.ID] == sess {
		delete(c.agents, sess.ID)
	}
	c.mu.Unlock()
}

// relayChat rebroadcasts one agent's chat to every other agent, stamped with
// the originator's id.
func (c *Controller) relayChat(from *Session, text string) {
	c.log.Printf("[controller] chat from %s: %s", from.ID, text)

	for _, sess := range c.Agents() {
		if sess == from {
			continue
		}
		if err := sess.ch.SendChat(from.ID, text); err != nil {
			c.log.Printf("[controller] relay chat to %s: %v", sess.ID, err)
		}
	}
	if c.cfg.OnChat != nil {
		c.cfg.OnChat(from.ID, text)
	}
}

// Chat sends a chat message from the controller itself to every agent.
func (c *Controller) Chat(text string) {
	for _, sess := range c.Agents() {
		if err := sess.ch.SendChat("controller", text); err != nil {
			c.log.Printf("[controller] chat to %s: %v", sess.ID, err)
		}
	}
}

// Agents lists registered sessions in id order.
func (c *Controller) Agents() []*Session {
	c.mu.Lock()
	out := make([]*Session, 0, len(c.agents))
	for _, s := range c.agents {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent resolves an identifier to a session. An exact match wins; otherwise
// a prefix is accepted when it selects exactly one agent.
func (c *Controller) Agent(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.agents[id]; ok {
		return s, nil
	}

	var match *Session
	for agentID, s := range c.agents {
		if strings.HasPrefix(agentID, id) {
			if match != nil {
				return nil, fmt.Errorf("%w: %q", ErrAmbiguousAgent, id)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return match, nil
}

// Send routes one command to the identified agent and waits for the result.
func (c *Controller) Send(ctx context.Context, id, command string, timeout time.Duration) (*protocol.CommandResult, error) {
	sess, err := c.Agent(id)
	if err != nil {
		return nil, err
	}
	c.totalCommands.Add(1)
	return sess.Call(ctx, command, timeout)
}

// Broadcast sends a command to every registered agent and collects the
// results by agent id. Agents that fail report an error result rather than
// aborting the whole broadcast.
func (c *Controller) Broadcast(ctx context.Context, command string, timeout time.Duration) map[string]*protocol.CommandResult {
	sessions := c.Agents()
	results := make(map[string]*protocol.CommandResult, len(sessions))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			c.totalCommands.Add(1)
			res, err := sess.Call(ctx, command, timeout)
			if err != nil {
				res = protocol.ErrorResult(err.Error(), "")
			}
			mu.Lock()
			results[sess.ID] = res
			mu.Unlock()
		}(sess)
	}
	wg.Wait()
	return results
}

// Stats reports lifetime connection and command counters.
func (c *Controller) Stats() (conns, commands int64) {
	return c.totalConns.Load(), c.totalCommands.Load()
}

// Stop closes the listener and every session, then waits for connection
// goroutines to finish or ctx to expire.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopped.Store(true)

	var errs []error
	if c.ln != nil {
		if err := c.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.agents))
	for _, s := range c.agents {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.ch.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

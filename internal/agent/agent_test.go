package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remotely-sh/remotely/internal/channel"
	"github.com/remotely-sh/remotely/internal/protocol"
)

type staticExecutor struct {
	result protocol.CommandResult
}

func (s *staticExecutor) Execute(context.Context, string) *protocol.CommandResult {
	r := s.result
	return &r
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeController accepts one connection and drives the registration
// exchange by hand.
type fakeController struct {
	ln net.Listener
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeController{ln: ln}
}

func (f *fakeController) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeController) accept(t *testing.T) (net.Conn, *protocol.Message) {
	t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	msg, err := channel.NewMessageReader(conn).Next(5 * time.Second)
	if err != nil {
		t.Fatalf("read registration: %v", err)
	}
	return conn, msg
}

func TestRegistrationAndCommandServing(t *testing.T) {
	fc := newFakeController(t)

	a := New(Config{
		Dial:     DialConfig{Address: fc.addr()},
		Token:    "hunter2",
		ID:       "test-agent",
		Executor: &staticExecutor{result: protocol.CommandResult{
			Status:  protocol.StatusSuccess,
			Stdout:  "/srv\n",
			WorkDir: "/srv",
		}},
		Logger: quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	conn, reg := fc.accept(t)
	if reg.Type != protocol.TypeRegistration {
		t.Fatalf("first message type = %s, want registration", reg.Type)
	}
	if reg.AuthToken != "hunter2" {
		t.Errorf("auth token = %q, want %q", reg.AuthToken, "hunter2")
	}
	if reg.SystemInfo == nil || reg.SystemInfo.AgentID != "test-agent" {
		t.Fatalf("system info = %+v, want agent id test-agent", reg.SystemInfo)
	}

	w := protocol.NewWriter(conn)
	if err := w.Write(&protocol.Message{Type: protocol.TypeRegistrationAck}); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	if err := w.Write(&protocol.Message{
		Type:      protocol.TypeCommandRequest,
		CommandID: "42",
		Command:   "pwd",
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	var dec protocol.Decoder
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read result: %v", err)
		}
		msgs, derr := dec.Push(buf[:n])
		if derr != nil {
			t.Fatalf("decode result: %v", derr)
		}
		for _, m := range msgs {
			if m.Type != protocol.TypeCommandResult {
				continue
			}
			if m.CommandID != "42" {
				t.Errorf("result id = %q, want 42", m.CommandID)
			}
			if m.Result == nil || m.Result.Stdout != "/srv\n" || m.Result.WorkDir != "/srv" {
				t.Errorf("unexpected result: %+v", m.Result)
			}
			if got := a.State(); got != StateConnected {
				t.Errorf("state = %s, want connected", got)
			}
			return
		}
	}
}

func TestRegistrationRejectedIsTerminal(t *testing.T) {
	fc := newFakeController(t)

	a := New(Config{
		Dial:   DialConfig{Address: fc.addr()},
		Token:  "wrong",
		Logger: quietLogger(),
	})

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(context.Background()) }()

	conn, _ := fc.accept(t)
	err := protocol.NewWriter(conn).Write(&protocol.Message{
		Type:  protocol.TypeRegistrationError,
		Error: "invalid token",
	})
	if err != nil {
		t.Fatalf("send rejection: %v", err)
	}

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrRegistrationRejected) {
			t.Fatalf("Run = %v, want ErrRegistrationRejected", err)
		}
		if !strings.Contains(err.Error(), "invalid token") {
			t.Errorf("error %q does not carry the controller's reason", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on rejection")
	}

	if got := a.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestReconnectAfterFailedAttempts(t *testing.T) {
	fc := newFakeController(t)

	// The first two connections die before registration completes.
	var accepted atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			conn, err := fc.ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			conn.Close()
		}
	}()

	a := New(Config{
		Dial:              DialConfig{Address: fc.addr()},
		Logger:            quietLogger(),
		ReconnectInterval: 20 * time.Millisecond,
		MaxReconnects:     10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	<-done

	conn, reg := fc.accept(t)
	if reg.Type != protocol.TypeRegistration {
		t.Fatalf("message type = %s, want registration", reg.Type)
	}
	if err := protocol.NewWriter(conn).Write(&protocol.Message{Type: protocol.TypeRegistrationAck}); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("agent never reached connected, state = %s", a.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := accepted.Load(); got != 2 {
		t.Errorf("failed attempts before success = %d, want 2", got)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	// A listener that is immediately closed yields connection refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	a := New(Config{
		Dial:              DialConfig{Address: addr, Timeout: 500 * time.Millisecond},
		Logger:            quietLogger(),
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnects:     2,
	})

	err = a.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}
	if got := a.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestSubmitWhileDisconnected(t *testing.T) {
	a := New(Config{Dial: DialConfig{Address: "127.0.0.1:1"}, Logger: quietLogger()})

	if _, err := a.Submit("status", 0, func(string, *protocol.CommandResult) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Submit = %v, want ErrNotConnected", err)
	}
	if _, err := a.Call(context.Background(), "status", 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call = %v, want ErrNotConnected", err)
	}
}

func TestPendingCommandFailsWhenControllerVanishes(t *testing.T) {
	fc := newFakeController(t)

	a := New(Config{
		Dial:              DialConfig{Address: fc.addr()},
		Logger:            quietLogger(),
		ReconnectInterval: time.Hour,
		MaxReconnects:     10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	conn, _ := fc.accept(t)
	if err := protocol.NewWriter(conn).Write(&protocol.Message{Type: protocol.TypeRegistrationAck}); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Channel() == nil {
		if time.Now().After(deadline) {
			t.Fatal("agent never exposed its channel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	results := make(chan *protocol.CommandResult, 1)
	if _, err := a.Channel().Submit("status", time.Hour, func(_ string, res *protocol.CommandResult) {
		results <- res
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	conn.Close()

	select {
	case res := <-results:
		if res.Status != protocol.StatusError || !strings.Contains(res.Error, "connection lost") {
			t.Errorf("pending command resolved with %+v, want connection failure", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending command never resolved after disconnect")
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/remotely-sh/remotely/internal/agent"
	"github.com/remotely-sh/remotely/internal/controller"
	"github.com/remotely-sh/remotely/internal/protocol"
	"github.com/remotely-sh/remotely/internal/shell"
)

// console is the interactive operator loop attached to a running
// controller. Commands address agents by id or unique id prefix.
type console struct {
	ctrl  *controller.Controller
	in    io.Reader
	out   io.Writer
	local *shell.Runner
}

func newConsole(c *controller.Controller, in io.Reader, out io.Writer) *console {
	return &console{ctrl: c, in: in, out: out, local: shell.NewRunner(0)}
}

const consoleHelp = `Commands:
  list                  List connected agents
  info <agent>          Show details for one agent
  cmd <agent> <cmd...>  Run a command on one agent
  broadcast <cmd...>    Run a command on every agent
  shell <agent>         Enter an interactive session with one agent
  local <cmd...>        Run a command on the controller host
  chat <text...>        Send a chat message to every agent
  stats                 Show connection and command counters
  help                  Show this help
  exit                  Shut the controller down`

func (c *console) run(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for {
		fmt.Fprint(c.out, "remotely> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb, rest := fields[0], fields[1:]

		switch verb {
		case "help":
			fmt.Fprintln(c.out, consoleHelp)

		case "list":
			c.list()

		case "info":
			if len(rest) != 1 {
				fmt.Fprintln(c.out, "usage: info <agent>")
				continue
			}
			c.info(rest[0])

		case "cmd":
			if len(rest) < 2 {
				fmt.Fprintln(c.out, "usage: cmd <agent> <command...>")
				continue
			}
			c.send(ctx, rest[0], strings.Join(rest[1:], " "))

		case "broadcast":
			if len(rest) == 0 {
				fmt.Fprintln(c.out, "usage: broadcast <command...>")
				continue
			}
			c.broadcast(ctx, strings.Join(rest, " "))

		case "shell":
			if len(rest) != 1 {
				fmt.Fprintln(c.out, "usage: shell <agent>")
				continue
			}
			c.shell(ctx, scanner, rest[0])

		case "local":
			if len(rest) == 0 {
				fmt.Fprintln(c.out, "usage: local <command...>")
				continue
			}
			c.printResult(c.local.Execute(ctx, strings.Join(rest, " ")))

		case "chat":
			if len(rest) == 0 {
				fmt.Fprintln(c.out, "usage: chat <text...>")
				continue
			}
			c.ctrl.Chat(strings.Join(rest, " "))

		case "stats":
			conns, commands := c.ctrl.Stats()
			fmt.Fprintf(c.out, "connections: %d  commands: %d  agents: %d\n",
				conns, commands, len(c.ctrl.Agents()))

		case "exit", "quit":
			return

		default:
			fmt.Fprintf(c.out, "unknown command %q; try help\n", verb)
		}
	}
}

func (c *console) list() {
	agents := c.ctrl.Agents()
	if len(agents) == 0 {
		fmt.Fprintln(c.out, "no agents connected")
		return
	}
	for _, s := range agents {
		fmt.Fprintf(c.out, "%-36s  %-16s  %-8s  %s\n",
			s.ID, s.Info.Hostname, s.Info.Platform, s.RemoteAddr)
	}
}

func (c *console) info(id string) {
	s, err := c.ctrl.Agent(id)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprintf(c.out, "id:         %s\n", s.ID)
	fmt.Fprintf(c.out, "hostname:   %s\n", s.Info.Hostname)
	fmt.Fprintf(c.out, "platform:   %s/%s\n", s.Info.Platform, s.Info.PlatformVersion)
	fmt.Fprintf(c.out, "ip:         %s\n", s.Info.IPAddress)
	fmt.Fprintf(c.out, "remote:     %s\n", s.RemoteAddr)
	fmt.Fprintf(c.out, "connected:  %s\n", s.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "last seen:  %s ago\n", time.Since(s.LastSeen()).Round(time.Second))
}

func (c *console) send(ctx context.Context, id, command string) {
	res, err := c.ctrl.Send(ctx, id, command, 0)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	c.printResult(res)
}

func (c *console) broadcast(ctx context.Context, command string) {
	results := c.ctrl.Broadcast(ctx, command, 0)
	if len(results) == 0 {
		fmt.Fprintln(c.out, "no agents connected")
		return
	}
	for id, res := range results {
		fmt.Fprintf(c.out, "--- %s ---\n", id)
		c.printResult(res)
	}
}

// shell forwards lines to one agent until /quit. The agent's working
// directory persists between lines, so cd behaves as expected.
func (c *console) shell(ctx context.Context, scanner *bufio.Scanner, id string) {
	s, err := c.ctrl.Agent(id)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprintf(c.out, "entering session with %s; /quit to leave\n", s.ID)

	for {
		fmt.Fprintf(c.out, "%s> ", s.ID)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		res, err := s.Call(ctx, line, 0)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return
		}
		c.printResult(res)
	}
}

func (c *console) printResult(res *protocol.CommandResult) {
	printResult(c.out, res)
}

func printResult(out io.Writer, res *protocol.CommandResult) {
	if res.Status != protocol.StatusSuccess {
		fmt.Fprintf(out, "error: %s\n", res.Error)
		return
	}
	if res.Stdout != "" {
		fmt.Fprint(out, res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Fprintln(out)
		}
	}
	if res.Stderr != "" {
		fmt.Fprint(out, res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			fmt.Fprintln(out)
		}
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(out, "exit status %d\n", res.ExitCode)
	}
}

// runLocalConsole is the agent-side prompt: lines are executed on this host,
// independent of the runner serving the controller, so an operator at the
// agent can poke around without disturbing the remote session's directory.
// /chat sends a message to the other agents via the controller; /quit ends
// the process.
func runLocalConsole(ctx context.Context, in io.Reader, out io.Writer, a *agent.Agent) {
	runner := shell.NewRunner(0)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, "local> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if text, ok := strings.CutPrefix(line, "/chat "); ok {
			if err := a.Chat(strings.TrimSpace(text)); err != nil {
				fmt.Fprintln(out, err)
			}
			continue
		}
		printResult(out, runner.Execute(ctx, line))
	}
}

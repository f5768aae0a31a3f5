package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/remotely-sh/remotely/internal/agent"
	"github.com/remotely-sh/remotely/internal/config"
	"github.com/remotely-sh/remotely/internal/shell"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run an agent connected to a controller",
	Long: `Connect to a controller, register this host, and execute the
commands it sends. The connection is re-established automatically after
transient failures.`,
	RunE: runAgent,
}

func init() {
	f := agentCmd.Flags()
	f.String("profile", "", "Saved connection profile to use")
	f.String("host", "", "Controller host")
	f.Int("port", 5555, "Controller port")
	f.Bool("tls", false, "Connect with TLS")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.String("ca", "", "PEM trust root for TLS verification")
	f.String("token", "", "Auth token presented at registration")
	f.Bool("token-prompt", false, "Prompt for the auth token instead of passing it as a flag")
	f.String("id", "", "Agent identifier (default: generated)")
	f.Duration("reconnect-interval", agent.DefaultReconnectInterval, "Delay between reconnect attempts")
	f.Int("max-reconnects", agent.DefaultMaxReconnects, "Consecutive failed attempts before giving up")
	f.Duration("command-timeout", shell.DefaultTimeout, "Per-command execution limit")
	f.Bool("no-console", false, "Never start the local interactive console")
}

// agentProfile merges a saved profile with flag overrides. Flags win.
func agentProfile(cmd *cobra.Command) (*config.Profile, error) {
	f := cmd.Flags()

	p := &config.Profile{}
	if name, _ := f.GetString("profile"); name != "" {
		path, err := profilesPath(cmd)
		if err != nil {
			return nil, err
		}
		file, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		saved, ok := file.Get(name)
		if !ok {
			return nil, fmt.Errorf("no profile named %q in %s", name, path)
		}
		p = saved
	}

	if f.Changed("host") {
		p.Host, _ = f.GetString("host")
	}
	if f.Changed("port") || p.Port == 0 {
		p.Port, _ = f.GetInt("port")
	}
	if f.Changed("tls") {
		p.TLS, _ = f.GetBool("tls")
	}
	if f.Changed("insecure") {
		p.Insecure, _ = f.GetBool("insecure")
	}
	if f.Changed("ca") {
		p.CAFile, _ = f.GetString("ca")
	}
	if f.Changed("token") {
		p.Token, _ = f.GetString("token")
	}
	if f.Changed("id") {
		p.AgentID, _ = f.GetString("id")
	}

	if p.Host == "" {
		return nil, errors.New("a controller host is required (--host or --profile)")
	}
	return p, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	p, err := agentProfile(cmd)
	if err != nil {
		return err
	}

	if prompt, _ := cmd.Flags().GetBool("token-prompt"); prompt {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--token-prompt requires an interactive terminal")
		}
		fmt.Fprint(os.Stderr, "Auth token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		p.Token = string(raw)
	}

	reconnectInterval, _ := cmd.Flags().GetDuration("reconnect-interval")
	if !cmd.Flags().Changed("reconnect-interval") && p.ReconnectInterval != "" {
		d, err := time.ParseDuration(p.ReconnectInterval)
		if err != nil {
			return fmt.Errorf("profile reconnect-interval: %w", err)
		}
		reconnectInterval = d
	}
	maxReconnects, _ := cmd.Flags().GetInt("max-reconnects")
	if !cmd.Flags().Changed("max-reconnects") && p.MaxReconnects != 0 {
		maxReconnects = p.MaxReconnects
	}
	commandTimeout, _ := cmd.Flags().GetDuration("command-timeout")

	logger := log.New(os.Stderr, "", log.LstdFlags)

	a := agent.New(agent.Config{
		Dial: agent.DialConfig{
			Address:  p.Address(),
			UseTLS:   p.TLS || p.Insecure || p.CAFile != "",
			Insecure: p.Insecure,
			CAFile:   p.CAFile,
		},
		Token:    p.Token,
		ID:       p.AgentID,
		Executor: shell.NewRunner(commandTimeout),
		OnChat: func(sender, text string) {
			logger.Printf("[agent] chat from %s: %s", sender, text)
		},
		Logger:            logger,
		ReconnectInterval: reconnectInterval,
		MaxReconnects:     maxReconnects,
	})

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	noConsole, _ := cmd.Flags().GetBool("no-console")
	if !noConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		go func() {
			runLocalConsole(ctx, os.Stdin, os.Stdout, a)
			cancel()
		}()
	}

	logger.Printf("[agent] connecting to %s as %s", p.Address(), a.ID())
	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Printf("[agent] shutting down")
		return nil
	}
	return err
}

// profilesPath resolves the profiles file from the global flag or the
// default location.
func profilesPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Root().PersistentFlags().GetString("profiles"); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}

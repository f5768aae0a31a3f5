package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/remotely-sh/remotely/internal/controller"
	"github.com/remotely-sh/remotely/internal/shell"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the central controller",
	Long: `Listen for agent registrations and route commands to connected
agents. When run on a terminal an interactive console is started; otherwise
the controller serves headlessly until signalled.`,
	RunE: runController,
}

func init() {
	f := controllerCmd.Flags()
	f.String("listen", "0.0.0.0:5555", "Listen address")
	f.String("token", "", "Require this auth token from registering agents")
	f.String("cert", "", "PEM certificate for TLS")
	f.String("key", "", "PEM private key for TLS")
	f.Duration("command-timeout", 0, "Default per-command response limit")
	f.Bool("no-console", false, "Never start the interactive console")
}

func runController(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	listen, _ := f.GetString("listen")
	token, _ := f.GetString("token")
	certFile, _ := f.GetString("cert")
	keyFile, _ := f.GetString("key")
	commandTimeout, _ := f.GetDuration("command-timeout")
	noConsole, _ := f.GetBool("no-console")

	if (certFile == "") != (keyFile == "") {
		return errors.New("--cert and --key must be given together")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg := controller.Config{
		Address:        listen,
		Token:          token,
		Executor:       shell.NewRunner(0),
		Logger:         logger,
		CommandTimeout: commandTimeout,
	}
	if certFile != "" {
		tlsCfg, err := controller.LoadServerTLS(certFile, keyFile)
		if err != nil {
			return err
		}
		cfg.TLS = tlsCfg
	}
	if token == "" {
		logger.Printf("[controller] warning: no auth token set, any agent may register")
	}

	c := controller.New(cfg)
	if err := c.Listen(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.Serve(ctx) }()

	if !noConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		console := newConsole(c, os.Stdin, os.Stdout)
		go func() {
			console.run(ctx)
			cancel()
		}()
	}

	select {
	case err := <-serveErr:
		if errors.Is(err, context.Canceled) || errors.Is(err, controller.ErrStopped) {
			err = nil
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if stopErr := c.Stop(stopCtx); stopErr != nil {
			logger.Printf("[controller] stop: %v", stopErr)
		}
		logger.Printf("[controller] shut down")
		return err
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := c.Stop(stopCtx); err != nil {
			logger.Printf("[controller] stop: %v", err)
		}
		logger.Printf("[controller] shut down")
		return nil
	}
}

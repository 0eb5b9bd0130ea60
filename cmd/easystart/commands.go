package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/config"
	"github.com/loykin/easystart/internal/controller"
	"github.com/loykin/easystart/internal/history"
	"github.com/loykin/easystart/internal/server"
)

func runInteractive(cmd *cobra.Command, flags *GlobalFlags) error {
	a, err := newApp(flags.ConfigPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	if err := a.serveMetrics(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	dec := controller.NewLinerDecider(cmd.OutOrStdout())
	defer func() { _ = dec.Close() }()

	c := controller.New(a.accounts, a.reg, dec, controller.Options{
		Out:          cmd.OutOrStdout(),
		Logger:       a.logger,
		ProbeTimeout: a.cfg.Timeouts.Probe,
		Grace:        a.cfg.Timeouts.Grace,
		Poll:         a.cfg.Timeouts.Poll,
	})
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createAccountsCommand(globalFlags *GlobalFlags, flags *AccountFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored accounts",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		Long: `Add an account to the account store. The password is prompted for
unless --password-stdin is given.

Examples:
  easystart accounts add --username alice
  echo "$PW" | easystart accounts add --username alice --password-stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAccountsAdd(cmd, globalFlags, flags)
		},
	}
	add.Flags().StringVar(&flags.Username, "username", "", "account username")
	add.Flags().BoolVar(&flags.PasswordStdin, "password-stdin", false, "read the password from stdin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List account usernames in storage order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAccountsList(cmd, globalFlags)
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func runAccountsAdd(cmd *cobra.Command, globalFlags *GlobalFlags, flags *AccountFlags) error {
	a, err := newApp(globalFlags.ConfigPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	ctx := cmd.Context()
	if _, err := a.accounts.Ensure(ctx); err != nil {
		return err
	}

	username := strings.TrimSpace(flags.Username)
	var secret string
	if flags.PasswordStdin {
		if username == "" {
			return errors.New("--username is required with --password-stdin")
		}
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	} else {
		dec := controller.NewLinerDecider(cmd.OutOrStdout())
		defer func() { _ = dec.Close() }()
		if username == "" {
			if username, err = dec.Ask("Enter a new username: "); err != nil {
				return err
			}
		}
		if secret, err = dec.AskSecret("Enter a password: "); err != nil {
			return err
		}
	}

	if err := a.accounts.Append(ctx, account.Account{Username: username, Secret: secret}); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Account created successfully!")
	return nil
}

func runAccountsList(cmd *cobra.Command, globalFlags *GlobalFlags) error {
	a, err := newApp(globalFlags.ConfigPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	all, err := a.accounts.List(cmd.Context())
	if err != nil {
		return err
	}
	for i, acct := range all {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, acct.Username)
	}
	return nil
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start every account and serve the HTTP API until interrupted",
		Long: `Start a worker for every stored account, then serve the HTTP API
(and metrics, when metrics.listen is set) until SIGINT or SIGTERM. All
workers are stopped on the way out.

Examples:
  easystart serve --config easystart.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, globalFlags)
		},
	}
}

func runServe(ctx context.Context, globalFlags *GlobalFlags) error {
	a, err := newApp(globalFlags.ConfigPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	if err := a.serveMetrics(); err != nil {
		return err
	}

	if _, err := a.accounts.Ensure(ctx); err != nil {
		return err
	}
	all, err := a.accounts.List(ctx)
	if err != nil {
		return err
	}
	if err := a.reg.StartAll(ctx, all); err != nil {
		a.logger.Warn("some workers failed to start", "error", err)
	}

	r := server.NewRouter(a.reg, a.accounts, server.Options{
		BasePath:     a.cfg.Server.BasePath,
		ProbeTimeout: a.cfg.Timeouts.Probe,
		Grace:        a.cfg.Timeouts.Grace,
	})
	h := r.Handler()
	if a.cfg.Server.Framework == config.FrameworkEcho {
		h = r.EchoHandler()
	}
	a.listen(a.cfg.Server.Listen, h, "api")

	poll := a.cfg.Timeouts.Poll
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down", "workers", a.reg.Len())
			err := a.reg.TerminateAll(a.cfg.Timeouts.Grace)
			a.reg.Reap()
			return err
		case <-ticker.C:
			a.reg.Reap()
		}
	}
}

func createHistoryCommand(globalFlags *GlobalFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded worker lifecycle events",
		Long: `Show worker lifecycle events from a queryable history store
(history.dsn pointing at sqlite or postgres).

Examples:
  easystart history --username alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd, globalFlags, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "only show events for this account")
	return cmd
}

// eventLister is implemented by the sinks that can be read back.
type eventLister interface {
	Events(ctx context.Context, username string) ([]history.Event, error)
}

func runHistory(cmd *cobra.Command, globalFlags *GlobalFlags, flags *HistoryFlags) error {
	a, err := newApp(globalFlags.ConfigPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	lister, ok := a.sink.(eventLister)
	if !ok {
		return errors.New("history.dsn does not point at a queryable store (sqlite or postgres)")
	}
	events, err := lister.Events(cmd.Context(), flags.Username)
	if err != nil {
		return err
	}
	for _, e := range events {
		line := fmt.Sprintf("%s %-9s %s pid=%d", e.OccurredAt.Format(time.RFC3339), e.Type, e.Username, e.PID)
		if e.Type != history.EventStart {
			line += fmt.Sprintf(" exit=%d", e.ExitCode)
		}
		if e.Error != "" {
			line += " error=" + e.Error
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

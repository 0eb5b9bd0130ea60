package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/registry"
)

const banner = `Welcome to EasyStart!

This program will help you start multiple accounts at once.
You can also start all accounts at any time from menus.
You can also start a specific account at any time from menus.
You can also close a process of an account at any time from menus.
You can also close all processes at any time by stopping the program.

###IMPORTANT### Before you start using the tool, make sure you can run the bot client normally.
`

const invalidOption = "Invalid option. Exiting prompt. Please try again."

// Options tune the interactive session.
type Options struct {
	Out          io.Writer // operator messages; default stdout
	Logger       *slog.Logger
	ProbeTimeout time.Duration
	Grace        time.Duration
	Poll         time.Duration // pause before each reap
}

// Controller drives a Registry from operator decisions.
type Controller struct {
	accounts account.Store
	reg      *registry.Registry
	dec      Decider
	out      io.Writer
	logger   *slog.Logger
	probe    time.Duration
	grace    time.Duration
	poll     time.Duration
}

func New(accounts account.Store, reg *registry.Registry, dec Decider, opts Options) *Controller {
	c := &Controller{
		accounts: accounts,
		reg:      reg,
		dec:      dec,
		out:      opts.Out,
		logger:   opts.Logger,
		probe:    opts.ProbeTimeout,
		grace:    opts.Grace,
		poll:     opts.Poll,
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.probe <= 0 {
		c.probe = 10 * time.Second
	}
	if c.grace <= 0 {
		c.grace = 2 * time.Second
	}
	return c
}

// Run holds the session until no workers remain. Only a failure to prepare
// the account store is fatal; every other error is shown and the session
// continues. Aborted input or a cancelled ctx stops all workers first.
func (c *Controller) Run(ctx context.Context) error {
	c.println(banner)

	created, err := c.accounts.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("prepare account store: %w", err)
	}
	if created {
		c.println("Created an empty account store.")
	}

	err = c.session(ctx)
	switch {
	case errors.Is(err, ErrAborted):
		c.println("Input closed. Closing all processes...")
		c.shutdown()
		return nil
	case ctx.Err() != nil:
		c.println("Interrupted. Closing all processes...")
		c.shutdown()
		return ctx.Err()
	case err != nil:
		c.shutdown()
		return err
	}
	c.println("All processes closed. No more accounts running. Exiting...")
	return nil
}

func (c *Controller) session(ctx context.Context) error {
	for {
		yes, err := c.dec.Confirm("Do you want to create a new account? (y/n): ")
		if err != nil {
			return err
		}
		if !yes {
			break
		}
		if err := c.addAccount(ctx); err != nil {
			return err
		}
	}

	if err := c.initialize(ctx); err != nil {
		return err
	}
	for c.reg.Len() == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.println("Well, you have to decide something first..")
		if err := c.initialize(ctx); err != nil {
			return err
		}
	}

	for c.reg.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.round(ctx); err != nil {
			return err
		}
	}
	return nil
}

// round is one pass of the main menu followed by a reap.
func (c *Controller) round(ctx context.Context) error {
	c.printf("Processes running: %d\n", c.reg.Len())

	yes, err := c.dec.Confirm("Do you want to probe account processes? (y/n): ")
	if err != nil {
		return err
	}
	if yes {
		c.probeAll()
	}

	if all, ok := c.listAccounts(ctx); ok {
		if idle := c.reg.IdleAccounts(all); len(idle) > 0 {
			yes, err := c.dec.Confirm("Start a process for an account? (y/n): ")
			if err != nil {
				return err
			}
			if yes {
				if err := c.startChosen(ctx, idle); err != nil {
					return err
				}
			}
		}
	}

	yes, err = c.dec.Confirm("Close a process of an account? (y/n): ")
	if err != nil {
		return err
	}
	if yes {
		if err := c.closeChosen(); err != nil {
			return err
		}
	}

	if c.poll > 0 {
		t := time.NewTimer(c.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if n := c.reg.Reap(); n > 0 {
		c.logger.Debug("reaped workers", "count", n)
	}
	return nil
}

func (c *Controller) addAccount(ctx context.Context) error {
	username, err := c.dec.Ask("Enter a new username: ")
	if err != nil {
		return err
	}
	exists, err := c.accounts.Exists(ctx, username)
	if err != nil {
		c.printf("Could not read accounts: %v\n", err)
		return nil
	}
	if exists {
		c.println("Username already exists. Please try another.")
		return nil
	}
	secret, err := c.dec.AskSecret("Enter a password: ")
	if err != nil {
		return err
	}
	err = c.accounts.Append(ctx, account.Account{Username: username, Secret: secret})
	switch {
	case errors.Is(err, account.ErrExists):
		c.println("Username already exists. Please try another.")
	case errors.Is(err, account.ErrInvalidAccount):
		c.printf("Account rejected: %v\n", err)
	case err != nil:
		c.printf("Could not save account: %v\n", err)
	default:
		c.println("Account created successfully!")
	}
	return nil
}

func (c *Controller) initialize(ctx context.Context) error {
	all, ok := c.listAccounts(ctx)
	yes, err := c.dec.Confirm("Start processes for all accounts? (y/n): ")
	if err != nil {
		return err
	}
	if yes {
		if !ok {
			return nil
		}
		for _, a := range c.reg.IdleAccounts(all) {
			c.startOne(ctx, a)
		}
		return nil
	}
	yes, err = c.dec.Confirm("Start a process for a specific account? (y/n): ")
	if err != nil || !yes || !ok {
		return err
	}
	return c.startChosen(ctx, c.reg.IdleAccounts(all))
}

func (c *Controller) startChosen(ctx context.Context, idle []account.Account) error {
	if len(idle) == 0 {
		c.println("Every account already has a running process.")
		return nil
	}
	names := make([]string, len(idle))
	for i, a := range idle {
		names[i] = a.Username
	}
	choice, ok, err := c.dec.Choose("Select position number:", names)
	if err != nil {
		return err
	}
	if !ok {
		c.println(invalidOption)
		return nil
	}
	c.startOne(ctx, idle[choice-1])
	return nil
}

func (c *Controller) startOne(ctx context.Context, a account.Account) {
	c.printf("Starting account %s...\n", a.Username)
	if _, err := c.reg.Start(ctx, a); err != nil {
		c.printf("Could not start %s: %v\n", a.Username, err)
	}
}

func (c *Controller) closeChosen() error {
	snaps := c.reg.Handles()
	if len(snaps) == 0 {
		return nil
	}
	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = s.Username
	}
	choice, ok, err := c.dec.Choose("Select position number:", names)
	if err != nil {
		return err
	}
	if !ok {
		c.println(invalidOption)
		return nil
	}
	username := names[choice-1]
	c.printf("Killing process for account '%s'...\n", username)
	if err := c.reg.Terminate(username, c.grace); err != nil {
		c.printf("Could not close %s: %v\n", username, err)
	}
	return nil
}

func (c *Controller) probeAll() {
	for _, res := range c.reg.ProbeAll(c.probe) {
		c.printf("Probing process for account '%s'...\n", res.Username)
		if res.Outcome == registry.ProbeTimedOut {
			c.println("The process timed out.")
			continue
		}
		if len(res.Stdout) > 0 {
			c.println("The process wrote to standard output:")
			c.println(string(res.Stdout))
		}
		if len(res.Stderr) > 0 {
			c.println("The process wrote to standard error:")
			c.println(string(res.Stderr))
		}
	}
}

func (c *Controller) listAccounts(ctx context.Context) ([]account.Account, bool) {
	all, err := c.accounts.List(ctx)
	if err != nil {
		c.printf("Could not read accounts: %v\n", err)
		return nil, false
	}
	return all, true
}

func (c *Controller) shutdown() {
	if err := c.reg.TerminateAll(c.grace); err != nil {
		c.printf("Some processes did not stop cleanly: %v\n", err)
	}
	c.reg.Reap()
}

func (c *Controller) println(s string) { _, _ = fmt.Fprintln(c.out, s) }

func (c *Controller) printf(format string, args ...any) { _, _ = fmt.Fprintf(c.out, format, args...) }

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// AccountFlags holds flags for the accounts subcommands.
type AccountFlags struct {
	Username      string
	PasswordStdin bool
}

// HistoryFlags holds flags for the history command.
type HistoryFlags struct {
	Username string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	accountFlags := &AccountFlags{}
	historyFlags := &HistoryFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createAccountsCommand(globalFlags, accountFlags),
		createServeCommand(globalFlags),
		createHistoryCommand(globalFlags, historyFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "easystart",
		Short: "Start and supervise one bot client per account",
		Long: `EasyStart keeps a list of accounts and runs one bot client process for
each of them, from an interactive menu or as a long-running service.

Examples:
  easystart                          # interactive session
  easystart accounts add --username alice
  easystart accounts list
  easystart serve --config easystart.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd, flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (toml, yaml or json; optional)")
	return root
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the interactive session (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd, flags)
		},
	}
}

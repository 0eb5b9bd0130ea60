package worker

import (
	"errors"
	"strings"

	"github.com/loykin/easystart/internal/account"
)

// Placeholders recognised in CommandTemplate.Args.
const (
	PlaceholderUsername = "{username}"
	PlaceholderSecret   = "{secret}"
)

// CommandTemplate describes the worker program. Each argument is passed as a
// single argv entry after placeholder substitution; no shell is involved.
type CommandTemplate struct {
	Path string   `mapstructure:"path" json:"path"`
	Args []string `mapstructure:"args" json:"args"`
}

// DefaultTemplate launches the bot client with graphics and debug output on.
func DefaultTemplate() CommandTemplate {
	return CommandTemplate{
		Path: "java",
		Args: []string{
			"-cp", "IdleRSC.jar:patched_client.jar", "bot.Main",
			"--enablegfx", "true",
			"--debug", "true",
			"--username", PlaceholderUsername,
			"--password", PlaceholderSecret,
		},
	}
}

func (t CommandTemplate) Validate() error {
	if strings.TrimSpace(t.Path) == "" {
		return errors.New("worker command path is required")
	}
	return nil
}

// Render substitutes the account into the argument list.
func (t CommandTemplate) Render(acct account.Account) (string, []string) {
	r := strings.NewReplacer(PlaceholderUsername, acct.Username, PlaceholderSecret, acct.Secret)
	args := make([]string, len(t.Args))
	for i, a := range t.Args {
		args[i] = r.Replace(a)
	}
	return t.Path, args
}

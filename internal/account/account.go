package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPersistence wraps every read or write failure of the backing store.
	ErrPersistence = errors.New("account store failure")
	// ErrExists is returned by Append when the username is already stored.
	ErrExists = errors.New("account already exists")
	// ErrInvalidAccount is returned for usernames or secrets the store cannot represent.
	ErrInvalidAccount = errors.New("invalid account")
)

// Account is one credential pair. Username is unique within a Store.
type Account struct {
	Username string `json:"username"`
	Secret   string `json:"-"`
}

// Store is the durable set of accounts the manager starts workers for.
// List returns accounts in storage order, stable across calls absent writes.
type Store interface {
	// Ensure prepares the backing storage and reports whether it had to be created.
	Ensure(ctx context.Context) (created bool, err error)
	Exists(ctx context.Context, username string) (bool, error)
	Append(ctx context.Context, acct Account) error
	List(ctx context.Context) ([]Account, error)
	Close() error
}

// Normalize trims surrounding whitespace the way account files are written.
func Normalize(acct Account) Account {
	return Account{Username: strings.TrimSpace(acct.Username), Secret: strings.TrimSpace(acct.Secret)}
}

// Validate rejects accounts that would corrupt the one-line-per-account
// colon-delimited format.
func Validate(acct Account) error {
	switch {
	case acct.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidAccount)
	case strings.ContainsRune(acct.Username, ':'):
		return fmt.Errorf("%w: username %q must not contain ':'", ErrInvalidAccount, acct.Username)
	case strings.ContainsAny(acct.Username, "\r\n"):
		return fmt.Errorf("%w: username must be a single line", ErrInvalidAccount)
	case acct.Secret == "":
		return fmt.Errorf("%w: secret is required for %q", ErrInvalidAccount, acct.Username)
	case strings.ContainsAny(acct.Secret, "\r\n"):
		return fmt.Errorf("%w: secret for %q must be a single line", ErrInvalidAccount, acct.Username)
	}
	return nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

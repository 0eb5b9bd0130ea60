package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialects supported by SQLStore.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore keeps accounts in a relational table. Storage order is the
// insertion sequence.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens a SQLite database at path (":memory:" allowed).
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistence("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, dialect: DialectSQLite}, nil
}

// NewPostgresStore opens a PostgreSQL database using the pgx stdlib driver.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, persistence("open postgres", err)
	}
	return &SQLStore{db: db, dialect: DialectPostgres}, nil
}

func (s *SQLStore) Ensure(ctx context.Context) (bool, error) {
	var exists bool
	var err error
	if s.dialect == DialectSQLite {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = 'accounts'`).Scan(&exists)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT to_regclass('accounts') IS NOT NULL`).Scan(&exists)
	}
	if err != nil {
		return false, persistence("inspect schema", err)
	}
	if exists {
		return false, nil
	}
	var stmt string
	if s.dialect == DialectSQLite {
		stmt = `CREATE TABLE IF NOT EXISTS accounts(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			secret TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`
	} else {
		stmt = `CREATE TABLE IF NOT EXISTS accounts(
			seq BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			secret TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return false, persistence("create accounts table", err)
	}
	return true, nil
}

func (s *SQLStore) Exists(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM accounts WHERE username = ?`),
		strings.TrimSpace(username)).Scan(&n)
	if err != nil {
		return false, persistence("exists", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Append(ctx context.Context, acct Account) error {
	acct = Normalize(acct)
	if err := Validate(acct); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO accounts(username, secret, created_at) VALUES(?, ?, ?)`),
		acct.Username, acct.Secret, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExists, acct.Username)
		}
		return persistence("append", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, secret FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, persistence("list", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Username, &a.Secret); err != nil {
			return nil, persistence("list", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list", err)
	}
	return out, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) && coded.SQLState() == "23505" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

package account

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// FileStore keeps accounts in a flat file, one "username:secret" line each.
// Embedded colons are not escaped; the first colon separates the fields.
type FileStore struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	lock   *flock.Flock // nil unless fs is the OS filesystem
	logger *slog.Logger
}

// NewFileStore opens path on the OS filesystem. Appends and reads are
// serialised across processes with an advisory lock on path+".lock".
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	clean := filepath.Clean(path)
	return &FileStore{
		fs:     afero.NewOsFs(),
		path:   clean,
		lock:   flock.New(clean + ".lock"),
		logger: orDefault(logger),
	}
}

// NewFileStoreFs opens path on an arbitrary afero filesystem without locking.
func NewFileStoreFs(fsys afero.Fs, path string, logger *slog.Logger) *FileStore {
	return &FileStore{fs: fsys, path: path, logger: orDefault(logger)}
}

// Path returns the account file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Ensure(context.Context) (bool, error) {
	_, err := s.fs.Stat(s.path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, persistence("stat "+s.path, err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o750); err != nil {
			return false, persistence("mkdir "+dir, err)
		}
	}
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, persistence("create "+s.path, err)
	}
	if err := f.Close(); err != nil {
		return false, persistence("create "+s.path, err)
	}
	return true, nil
}

func (s *FileStore) Exists(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	accts, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range accts {
		if a.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) Append(ctx context.Context, acct Account) error {
	acct = Normalize(acct)
	if err := Validate(acct); err != nil {
		return err
	}
	unlock, err := s.acquire(false)
	if err != nil {
		return err
	}
	defer unlock()

	accts, err := s.read()
	if err != nil {
		return err
	}
	for _, a := range accts {
		if a.Username == acct.Username {
			return fmt.Errorf("%w: %s", ErrExists, acct.Username)
		}
	}
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return persistence("open "+s.path, err)
	}
	if _, err := f.WriteString(acct.Username + ":" + acct.Secret + "\n"); err != nil {
		_ = f.Close()
		return persistence("append "+s.path, err)
	}
	if err := f.Close(); err != nil {
		return persistence("close "+s.path, err)
	}
	return nil
}

func (s *FileStore) List(context.Context) ([]Account, error) {
	unlock, err := s.acquire(true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.read()
}

func (s *FileStore) Close() error {
	if s.lock != nil {
		return s.lock.Close()
	}
	return nil
}

// read parses the file. Blank lines are skipped; lines without a colon are
// logged and skipped so a single bad edit does not block the manager.
func (s *FileStore) read() ([]Account, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, persistence("open "+s.path, err)
	}
	defer func() { _ = f.Close() }()

	var out []Account
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		user, secret, ok := strings.Cut(line, ":")
		if !ok {
			s.logger.Warn("skipping malformed account line", "path", s.path, "line", lineNo)
			continue
		}
		out = append(out, Normalize(Account{Username: user, Secret: secret}))
	}
	if err := sc.Err(); err != nil {
		return nil, persistence("read "+s.path, err)
	}
	return out, nil
}

// acquire serialises access within the process with mu and across
// processes with the advisory lock. A Flock handle tracks one lock state per
// descriptor, so it is only touched while mu is held.
func (s *FileStore) acquire(shared bool) (func(), error) {
	s.mu.Lock()
	if s.lock == nil {
		return s.mu.Unlock, nil
	}
	var err error
	if shared {
		err = s.lock.RLock()
	} else {
		err = s.lock.Lock()
	}
	if err != nil {
		s.mu.Unlock()
		return nil, persistence("lock "+s.lock.Path(), err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

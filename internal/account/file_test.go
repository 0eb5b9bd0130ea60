package account

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

func TestFileStore_EnsureAppendList(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	s := NewFileStoreFs(fsys, "/data/accounts.txt", nil)

	created, err := s.Ensure(ctx)
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	created, err = s.Ensure(ctx)
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}

	for _, a := range []Account{{"alice", "pw1"}, {" bob ", " pw2 "}, {"carol", "p:w:3"}} {
		if err := s.Append(ctx, a); err != nil {
			t.Fatalf("append %q: %v", a.Username, err)
		}
	}

	b, _ := afero.ReadFile(fsys, "/data/accounts.txt")
	if string(b) != "alice:pw1\nbob:pw2\ncarol:p:w:3\n" {
		t.Fatalf("unexpected file contents %q", b)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []Account{{"alice", "pw1"}, {"bob", "pw2"}, {"carol", "p:w:3"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("list = %+v want %+v", got, want)
	}
	again, _ := s.List(ctx)
	if !reflect.DeepEqual(got, again) {
		t.Fatalf("list not stable across calls")
	}
}

func TestFileStore_ExistsAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewFileStoreFs(afero.NewMemMapFs(), "accounts.txt", nil)
	if _, err := s.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, Account{"alice", "x"}); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Exists(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("Exists(alice)=%v err=%v", ok, err)
	}
	// a prefix of a stored username is a different account
	ok, _ = s.Exists(ctx, "ali")
	if ok {
		t.Fatalf("Exists(ali) should be false")
	}
	if err := s.Append(ctx, Account{"alice", "y"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestFileStore_ParsesHandEditedFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	content := "alice:pw1\r\n\n  \nnot-an-account\nbob:pw2"
	if err := afero.WriteFile(fsys, "accounts.txt", []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStoreFs(fsys, "accounts.txt", nil)
	got, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []Account{{"alice", "pw1"}, {"bob", "pw2"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("list = %+v want %+v", got, want)
	}
}

func TestFileStore_RejectsInvalidAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewFileStoreFs(afero.NewMemMapFs(), "accounts.txt", nil)
	_, _ = s.Ensure(ctx)
	bad := []Account{
		{"", "pw"},
		{"a:b", "pw"},
		{"multi\nline", "pw"},
		{"alice", ""},
		{"alice", "pw\nmore"},
	}
	for _, a := range bad {
		if err := s.Append(ctx, a); !errors.Is(err, ErrInvalidAccount) {
			t.Fatalf("Append(%q,%q) = %v, want ErrInvalidAccount", a.Username, a.Secret, err)
		}
	}
	got, _ := s.List(ctx)
	if len(got) != 0 {
		t.Fatalf("invalid accounts must not be written: %+v", got)
	}
}

func TestFileStore_MissingFileIsPersistenceError(t *testing.T) {
	s := NewFileStoreFs(afero.NewMemMapFs(), "nope.txt", nil)
	if _, err := s.List(context.Background()); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestFileStore_ReadOnlyFsIsPersistenceError(t *testing.T) {
	base := afero.NewMemMapFs()
	_ = afero.WriteFile(base, "accounts.txt", []byte("alice:pw\n"), 0o600)
	s := NewFileStoreFs(afero.NewReadOnlyFs(base), "accounts.txt", nil)
	if err := s.Append(context.Background(), Account{"bob", "pw"}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestFileStore_OSLockedConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "accounts.txt")
	s := NewFileStore(path, nil)
	defer func() { _ = s.Close() }()
	if created, err := s.Ensure(ctx); err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every goroutine races to add the same two names
			name := "user" + string(rune('a'+i%2))
			errs <- s.Append(ctx, Account{Username: name, Secret: "pw"})
		}(i)
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 2 {
		t.Fatalf("expected exactly 2 successful appends, got %d", ok)
	}
	got, _ := s.List(ctx)
	if len(got) != 2 {
		t.Fatalf("expected 2 stored accounts, got %+v", got)
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
}

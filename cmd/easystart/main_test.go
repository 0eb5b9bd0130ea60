package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/easystart/internal/account"
	"github.com/loykin/easystart/internal/history"
	"github.com/loykin/easystart/internal/history/sqlite"
)

// writeConfig writes a config keeping every file under dir.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	p := filepath.Join(dir, "easystart.toml")
	data := fmt.Sprintf(`
[accounts]
dsn = %q

[history]
dsn = %q

[log.slog]
level = "error"
color = false
%s`, filepath.Join(dir, "accounts.txt"), "sqlite://"+filepath.Join(dir, "history.db"), extra)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "", "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"easystart", "accounts", "serve", "history"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help missing %q:\n%s", want, out)
		}
	}
}

func TestAccountsAddAndList(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")

	for _, u := range []string{"zed", "alice"} {
		out, err := execute(t, "pw-"+u+"\n", "accounts", "add", "--config", cfg, "--username", u, "--password-stdin")
		if err != nil {
			t.Fatalf("add %s: %v (%s)", u, err, out)
		}
		if !strings.Contains(out, "Account created successfully!") {
			t.Fatalf("add output = %q", out)
		}
	}
	_, err := execute(t, "again\n", "accounts", "add", "--config", cfg, "--username", "alice", "--password-stdin")
	if !errors.Is(err, account.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	out, err := execute(t, "", "accounts", "list", "--config", cfg)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out != "1. zed\n2. alice\n" {
		t.Fatalf("list output = %q", out)
	}
	b, _ := os.ReadFile(filepath.Join(dir, "accounts.txt"))
	if string(b) != "zed:pw-zed\nalice:pw-alice\n" {
		t.Fatalf("account file = %q", b)
	}
}

func TestAccountsAddRequiresUsernameWithStdin(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "")
	if _, err := execute(t, "pw\n", "accounts", "add", "--config", cfg, "--password-stdin"); err == nil {
		t.Fatalf("expected error without --username")
	}
}

func TestInvalidConfigIsReported(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "\n[server]\nframework = \"fiber\"\n")
	_, err := execute(t, "", "accounts", "list", "--config", cfg)
	if err == nil || !strings.Contains(err.Error(), "server.framework") {
		t.Fatalf("expected framework validation error, got %v", err)
	}
}

func TestHistoryNeedsQueryableStore(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "plain.toml")
	_ = os.WriteFile(p, []byte(fmt.Sprintf("[accounts]\ndsn = %q\n", filepath.Join(dir, "a.txt"))), 0o644)
	if _, err := execute(t, "", "history", "--config", p); err == nil {
		t.Fatalf("expected error without history.dsn")
	}
}

func TestServeStartsAllAndStopsOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	cfg := writeConfig(t, dir, `
[worker]
path = "/bin/sh"
args = ["-c", "sleep 30", "worker", "{username}"]

[server]
listen = "127.0.0.1:0"

[timeouts]
grace = "2s"
poll = "50ms"
`)
	if err := os.WriteFile(filepath.Join(dir, "accounts.txt"), []byte("alice:a\nbob:b\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, &GlobalFlags{ConfigPath: cfg}) }()
	time.Sleep(500 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}

	sink, err := sqlite.New(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer func() { _ = sink.Close() }()
	for _, u := range []string{"alice", "bob"} {
		events, err := sink.Events(context.Background(), u)
		if err != nil {
			t.Fatalf("events %s: %v", u, err)
		}
		var types []history.EventType
		for _, e := range events {
			types = append(types, e.Type)
		}
		if len(types) < 2 || types[0] != history.EventStart || types[1] != history.EventTerminate {
			t.Fatalf("%s history = %v", u, types)
		}
	}

	out, err := execute(t, "", "history", "--config", cfg, "--username", "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "start") || !strings.Contains(out, "terminate") {
		t.Fatalf("history output = %q", out)
	}
}

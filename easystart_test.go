package easystart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestManagerFacadeLifecycle(t *testing.T) {
	requireUnix(t)
	tmpl := CommandTemplate{Path: "/bin/sh", Args: []string{"-c", "sleep 30", "worker", PlaceholderUsername}}
	m := New(tmpl, WorkerOptions{}, nil)
	ctx := context.Background()
	accts := []Account{{Username: "a", Secret: "1"}, {Username: "b", Secret: "2"}}
	if err := m.StartAll(ctx, accts); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if err := m.Start(ctx, accts[0]); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if len(m.IdleAccounts(accts)) != 0 || m.Len() != 2 {
		t.Fatalf("unexpected state: %+v", m.Handles())
	}
	if err := m.TerminateAll(time.Second); err != nil {
		t.Fatalf("terminate all: %v", err)
	}
	if m.Reap() != 2 {
		t.Fatalf("expected both reaped")
	}
	if err := m.Terminate("a", time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPHandlerFacade(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenAccounts(filepath.Join(dir, "accounts.txt"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	if _, err := store.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = store.Append(context.Background(), Account{Username: "alice", Secret: "pw"})

	h := NewHTTPHandler(New(DefaultTemplate(), WorkerOptions{}, nil), store, "/api")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/idle", nil))
	var idle []string
	if err := json.Unmarshal(rec.Body.Bytes(), &idle); err != nil || len(idle) != 1 || idle[0] != "alice" {
		t.Fatalf("idle = %s (%v)", rec.Body.String(), err)
	}
}

func TestOpenHistoryEmptyDiscards(t *testing.T) {
	sink, closeFn, err := OpenHistory("")
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(context.Background(), HistoryEvent{Username: "x"}); err != nil {
		t.Fatalf("nop send: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestLoadConfigFacade(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(c.Worker.Path, "java") {
		t.Fatalf("default worker path = %q", c.Worker.Path)
	}
}

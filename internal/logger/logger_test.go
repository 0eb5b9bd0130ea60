package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_DirDerivesPerAccountFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workers")
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("alice")
	if err != nil {
		t.Fatalf("ProcessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers when Dir is set")
	}
	_, _ = outW.Write([]byte("out\n"))
	_, _ = errW.Write([]byte("err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, name := range []string{"alice.stdout.log", "alice.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
}

func TestProcessWriters_NothingConfigured(t *testing.T) {
	var cfg FileConfig
	if cfg.Enabled() {
		t.Fatalf("zero FileConfig must not be enabled")
	}
	outW, errW, err := cfg.ProcessWriters("bob")
	if err != nil || outW != nil || errW != nil {
		t.Fatalf("expected nil writers, got %v %v %v", outW, errW, err)
	}
}

func TestProcessWriters_RotationDefaultsAndOverrides(t *testing.T) {
	cfg := FileConfig{StdoutPath: "x", StderrPath: "y"}
	outW, _, _ := cfg.ProcessWriters("n")
	ol, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}

	cfg = FileConfig{StderrPath: "y2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, errW, _ := cfg.ProcessWriters("n")
	if outW != nil {
		t.Fatalf("expected stderr writer only")
	}
	el := errW.(*lj.Logger)
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("overrides not applied: %+v", el)
	}
}

func TestProcessWriters_RejectsPathLikeNames(t *testing.T) {
	cfg := FileConfig{Dir: t.TempDir()}
	for _, name := range []string{"../evil", "a/b", `a\b`} {
		if _, _, err := cfg.ProcessWriters(name); err == nil {
			t.Fatalf("expected error for name %q", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewSloggerTo_JSONWithoutTime(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatJSON}}
	l := cfg.NewSloggerTo(&buf)
	l.Debug("spawned", "username", "alice")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if m["msg"] != "spawned" || m["username"] != "alice" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["time"]; ok {
		t.Fatalf("time should be dropped when TimeStamps=false: %v", m)
	}
}

func TestNewSloggerTo_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelWarn, TimeStamps: true}}.NewSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("level filter broken: %q", out)
	}
	if !strings.Contains(out, "time=") {
		t.Fatalf("expected timestamp with TimeStamps=true: %q", out)
	}
}

func TestColorTextHandler_PrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)
	l := slog.New(h).With("username", "carol")
	l.ErrorContext(context.Background(), "spawn failed")
	out := buf.String()
	if !strings.Contains(out, "\033[31mERROR\033[0m") {
		t.Fatalf("missing red level tag: %q", out)
	}
	if !strings.Contains(out, "username=carol") {
		t.Fatalf("WithAttrs lost attributes: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be omitted: %q", out)
	}
}

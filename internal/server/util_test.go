package server

import (
	"testing"
	"time"
)

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /v1// ": "/v1"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q want %q", in, got, want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	good := []string{"alice", "Bob_2", "name.with.dots", "spaced name"}
	bad := []string{"", "..", "a/b", `a\b`, "a:b", "a\nb"}
	for _, s := range good {
		if !isSafeName(s) {
			t.Fatalf("%q should be accepted", s)
		}
	}
	for _, s := range bad {
		if isSafeName(s) {
			t.Fatalf("%q should be rejected", s)
		}
	}
}

func TestParseDuration(t *testing.T) {
	if d, ok := parseDuration("", 3*time.Second, time.Minute); !ok || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, ok)
	}
	if d, ok := parseDuration("2h", time.Second, time.Minute); !ok || d != time.Minute {
		t.Fatalf("cap: %v %v", d, ok)
	}
	if _, ok := parseDuration("-1s", time.Second, time.Minute); ok {
		t.Fatalf("negative accepted")
	}
	if _, ok := parseDuration("soon", time.Second, time.Minute); ok {
		t.Fatalf("garbage accepted")
	}
}

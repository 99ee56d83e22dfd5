package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(level)
	l.SetOutput(&buf)
	l.sink.now = func() time.Time { return time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC) }
	return l, &buf
}

func decode(t *testing.T, line string) Entry {
	t.Helper()
	var e Entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("invalid JSON %q: %v", line, err)
	}
	return e
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level Level
		want  []string
	}{
		{LevelDebug, []string{"d", "i", "w", "e"}},
		{LevelInfo, []string{"i", "w", "e"}},
		{LevelWarn, []string{"w", "e"}},
		{LevelError, []string{"e"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			l, buf := newTestLogger(tt.level)
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("expected %d lines, got %d: %s", len(tt.want), len(lines), buf.String())
			}
			for i, line := range lines {
				if got := decode(t, line).Message; got != tt.want[i] {
					t.Errorf("line %d: expected %q, got %q", i, tt.want[i], got)
				}
			}
		})
	}
}

func TestLogger_Timestamp(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)
	l.Info("up")
	if e := decode(t, buf.String()); e.Timestamp != "2025-01-15T10:00:00Z" {
		t.Errorf("unexpected timestamp %q", e.Timestamp)
	}
}

func TestLogger_WithSharesSink(t *testing.T) {
	root, buf := newTestLogger(LevelInfo)
	child := root.With("component", "keystore")

	root.SetLevel(LevelError)
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected child to follow root level, got %s", buf.String())
	}

	root.SetLevel(LevelInfo)
	child.Info("shown", map[string]any{"active": "A"})
	e := decode(t, buf.String())
	if e.Fields["component"] != "keystore" || e.Fields["active"] != "A" {
		t.Errorf("unexpected fields %v", e.Fields)
	}
}

func TestLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	parent, buf := newTestLogger(LevelInfo)
	parent = parent.With("a", 1)
	_ = parent.With("b", 2)

	parent.Info("x")
	e := decode(t, buf.String())
	if _, ok := e.Fields["b"]; ok {
		t.Errorf("parent picked up child field: %v", e.Fields)
	}
}

func TestLogger_ErrorErr(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)
	l.ErrorErr("sync failed", errors.New("E_FEED_UNAVAILABLE"), map[string]any{"attempt": 3})

	e := decode(t, buf.String())
	if e.Level != LevelError {
		t.Errorf("expected error level, got %s", e.Level)
	}
	if e.Fields["error"] != "E_FEED_UNAVAILABLE" {
		t.Errorf("missing error field: %v", e.Fields)
	}
	if e.Fields["attempt"] != float64(3) {
		t.Errorf("missing attempt field: %v", e.Fields)
	}
}

func TestLogger_NoFieldsOmitted(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)
	l.Info("plain")
	if strings.Contains(buf.String(), "fields") {
		t.Errorf("expected fields to be omitted: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": LevelInfo, "DEBUG": LevelDebug, " warn ": LevelWarn, "error": LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestGlobal(t *testing.T) {
	old := Global()
	defer SetGlobal(old)

	l, buf := newTestLogger(LevelDebug)
	SetGlobal(l)
	Debug("a")
	Info("b")
	Warn("c")
	Error("d")
	ErrorErr("e", errors.New("boom"))
	WithFields(map[string]any{"k": "v"}).Info("f")

	if n := strings.Count(buf.String(), "\n"); n != 6 {
		t.Errorf("expected 6 lines, got %d", n)
	}
}

func TestNop(t *testing.T) {
	Nop().Error("nothing")
}

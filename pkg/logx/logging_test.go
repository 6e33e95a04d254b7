package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndCaller(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("chat"), Channel("room"))
	log.Debug("hidden")
	log.Info("sent", Int("n", 2), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	l := lines[0]
	if l["comp"] != "chat" || l["channel"] != "room" || l["n"] != float64(2) {
		t.Fatalf("fields = %v", l)
	}
	if _, ok := l["err"]; ok {
		t.Fatalf("nil error was logged: %v", l)
	}
	if c, _ := l["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestSampledDropsAfterBurst(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Sampled(3, time.Hour)
	copyLog := log.With(String("k", "v"))
	for range 5 {
		log.Warn("a")
		copyLog.Warn("b")
	}
	if n := len(decodeLines(t, buf.Bytes())); n != 3 {
		t.Fatalf("lines = %d, want 3", n)
	}
}

func TestZeroAndNopDiscard(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value not reported as zero")
	}
	zero.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop reported as zero")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop enabled")
	}
}

func TestApplySwitchesLevelAndFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "nested", "b.log")

	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })
	log.Info("skipped")
	log.Warn("kept")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("derived logger did not follow Apply")
	}
	log.Debug("moved")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if got := decodeLines(t, a); len(got) != 1 || got[0]["message"] != "kept" {
		t.Fatalf("a.log = %v", got)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if got := decodeLines(t, b); len(got) != 1 || got[0]["message"] != "moved" {
		t.Fatalf("b.log = %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{
		"":        LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"loud":    LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

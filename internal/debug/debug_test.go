package debug

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"Error", slog.LevelError},
	} {
		lv, err := ParseLevel(tc.name)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tc.name, err)
		}
		if lv != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.name, lv, tc.want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel accepted an unknown name")
	}
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if err := Setup(&buf, "warn"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	slog.Info("quiet")
	slog.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info line passed a warn-level handler: %q", out)
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	if err := Setup(&bytes.Buffer{}, "verbose"); err == nil {
		t.Error("Setup accepted an unknown level")
	}
}

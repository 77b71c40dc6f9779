// Package debug installs the process-wide logger. Everything in this
// module logs through log/slog; commands and tests call Setup once to
// pick the sink and the level instead of configuring handlers
// themselves.
package debug

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps a level name like "debug" to its slog level. Names
// are case-insensitive.
func ParseLevel(name string) (slog.Level, error) {
	lv, ok := levels[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return lv, nil
}

// Setup replaces the default logger with a text handler writing to w at
// the named level.
func Setup(w io.Writer, level string) error {
	lv, err := ParseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
	return nil
}

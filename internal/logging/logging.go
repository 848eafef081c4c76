// Package logging builds the slog logger used across nix-query.
//
// Logs go to stderr as text. While a full-screen front-end owns the
// terminal, output is held back and written once the terminal is released.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config selects the logger's level and destination.
type Config struct {
	// Level is the minimum level emitted. The zero value is Info.
	Level slog.Level
	// JSON switches the handler to JSON lines.
	JSON bool
	// Writer receives the output. Defaults to os.Stderr.
	Writer io.Writer
}

// New returns a logger for cfg together with the Gate its output passes
// through.
func New(cfg Config) (*slog.Logger, *Gate) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	gate := &Gate{w: w}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(gate, opts)
	} else {
		handler = slog.NewTextHandler(gate, opts)
	}
	return slog.New(handler), gate
}

// ParseLevel accepts debug, info, warn/warning and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Gate is an io.Writer that can buffer output while the terminal is busy.
type Gate struct {
	mu   sync.Mutex
	w    io.Writer
	held *bytes.Buffer
}

// Write forwards p, or buffers it while the gate is held.
func (g *Gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held != nil {
		return g.held.Write(p)
	}
	return g.w.Write(p)
}

// Hold starts buffering.
func (g *Gate) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		g.held = &bytes.Buffer{}
	}
}

// Release writes everything buffered since Hold and stops buffering.
func (g *Gate) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		return nil
	}
	buf := g.held
	g.held = nil
	_, err := buf.WriteTo(g.w)
	return err
}

// Package logger installs the process-wide slog handler. Every line is
// rendered as "[15:04:05] [LEVEL] message k=v ...", including JSON lines
// written by libraries that log through zerolog.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	globalLevel = slog.LevelInfo
	levelMu     sync.RWMutex
)

// JSONParsingWriter wraps an io.Writer and converts JSON log lines to the
// text format. Anything that is not a JSON object passes through untouched.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps w.
func NewJSONParsingWriter(w io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: w}
}

// Write implements io.Writer
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	trimmed := strings.TrimSpace(string(p))
	if !strings.HasPrefix(trimmed, "{") {
		return w.base.Write(p)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	if !levelEnabled(ParseLevel(level)) {
		return len(p), nil
	}

	message := ""
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}

	timestamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "time", "caller":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	if _, err := io.WriteString(w.base, format(timestamp, strings.ToUpper(level), message, attrs)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func format(timestamp, level, message string, attrs []string) string {
	line := "[" + timestamp + "] [" + level + "] " + message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	return line + "\n"
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown strings map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelEnabled(level slog.Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= globalLevel
}

// textHandler writes formatted records to every output.
type textHandler struct {
	outs  []io.Writer
	attrs []slog.Attr
	mu    *sync.Mutex
}

// Handle implements slog.Handler
func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	if !levelEnabled(record.Level) {
		return nil
	}

	attrs := make([]string, 0, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key+"="+a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})

	line := format(record.Time.Format("15:04:05"), strings.ToUpper(record.Level.String()), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, line)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &textHandler{outs: h.outs, attrs: merged, mu: h.mu}
}

// WithGroup implements slog.Handler
func (h *textHandler) WithGroup(string) slog.Handler {
	return h
}

// Enabled implements slog.Handler
func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return levelEnabled(level)
}

// NewHandler returns the text handler writing to outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &textHandler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger installs the text handler as the slog default and routes
// zerolog output through the same writers.
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))

	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = NewJSONParsingWriter(out)
	}
	RouteZerolog(io.MultiWriter(wrapped...))
}

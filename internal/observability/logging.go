// Package observability wires the hub's logging, metrics, and tracing.
//
// Logging is slog to stderr with a runtime-adjustable level. Every record
// additionally passes through a LogBus so admin connections can stream the
// hub's log live; secrets are redacted before records leave the process.
package observability

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEntry is the broadcast form of a log record.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// redactPatterns cover tokens that must never reach a log subscriber.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{24,}`),
	regexp.MustCompile(`(?i)(token|secret|password)=\S+`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
}

func redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// LogBus fans log entries out to subscribers. Slow subscribers drop entries
// rather than block the logger.
type LogBus struct {
	mu   sync.Mutex
	subs map[string]chan LogEntry
}

// NewLogBus creates an empty bus.
func NewLogBus() *LogBus {
	return &LogBus{subs: map[string]chan LogEntry{}}
}

// Subscribe registers a subscriber and returns its id and channel.
func (b *LogBus) Subscribe(buffer int) (string, <-chan LogEntry) {
	if buffer <= 0 {
		buffer = 128
	}
	ch := make(chan LogEntry, buffer)
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *LogBus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Handler wraps inner so every record it handles is also broadcast on the
// bus.
func (b *LogBus) Handler(inner slog.Handler) slog.Handler {
	return &broadcastHandler{inner: inner, bus: b}
}

func (b *LogBus) publish(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// broadcastHandler forwards records to an inner handler and to the bus.
type broadcastHandler struct {
	inner slog.Handler
	bus   *LogBus
	attrs []slog.Attr
}

func (h *broadcastHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *broadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: redact(r.Message),
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		entry.Attrs = make(map[string]string, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			entry.Attrs[a.Key] = redact(a.Value.String())
		}
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = redact(a.Value.String())
			return true
		})
	}
	h.bus.publish(entry)
	return h.inner.Handle(ctx, r)
}

func (h *broadcastHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &broadcastHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, attrs: merged}
}

func (h *broadcastHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened in broadcast entries; the inner handler keeps them.
	return &broadcastHandler{inner: h.inner.WithGroup(name), bus: h.bus, attrs: h.attrs}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the hub logger. The returned LevelVar adjusts verbosity
// at runtime (config reload); the LogBus feeds admin log streaming.
func NewLogger(level string) (*slog.Logger, *slog.LevelVar, *LogBus) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(level))
	bus := NewLogBus()
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	logger := slog.New(bus.Handler(text))
	return logger, levelVar, bus
}

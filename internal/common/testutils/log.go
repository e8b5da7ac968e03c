package testutils

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// LogHandler records every log entry it receives. It implements slog.Handler.
type LogHandler struct {
	// Records at or below IgnoreBelow are reported as disabled.
	IgnoreBelow slog.Level

	mu      sync.Mutex
	records []slog.Record
}

// NewLogHandler returns a LogHandler dropping records at or below ignoreBelow.
func NewLogHandler(ignoreBelow slog.Level) *LogHandler {
	return &LogHandler{IgnoreBelow: ignoreBelow}
}

// Logger returns a logger writing to h.
func (h *LogHandler) Logger() *slog.Logger {
	return slog.New(h)
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level > h.IgnoreBelow
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record.Clone())
	return nil
}

// WithAttrs implements slog.Handler. Attributes are not tracked.
func (h *LogHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

// WithGroup implements slog.Handler. Groups are not tracked.
func (h *LogHandler) WithGroup(string) slog.Handler { return h }

// Levels returns how many records were logged per level.
func (h *LogHandler) Levels() map[slog.Level]uint {
	h.mu.Lock()
	defer h.mu.Unlock()

	levels := make(map[slog.Level]uint)
	for _, r := range h.records {
		levels[r.Level]++
	}
	return levels
}

// Messages returns the messages logged so far, in order.
func (h *LogHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := make([]string, 0, len(h.records))
	for _, r := range h.records {
		msgs = append(msgs, r.Message)
	}
	return msgs
}

// AssertLevels asserts that the amount of records per level matches want and dumps the logs otherwise.
func (h *LogHandler) AssertLevels(t *testing.T, want map[slog.Level]uint) bool {
	t.Helper()

	got := h.Levels()
	if want == nil {
		want = map[slog.Level]uint{}
	}
	if assert.Equal(t, want, got, "unexpected log levels") {
		return true
	}
	h.OutputLogs(t)
	return false
}

// OutputLogs writes the recorded entries to the test log.
func (h *LogHandler) OutputLogs(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.records {
		t.Logf("Logged %v %s:", r.Level, r.Message)
		r.Attrs(func(attr slog.Attr) bool {
			t.Log(attr.String())
			return true
		})
	}
}

package logging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
)

// messageHandler wraps a slog.Handler and appends record attributes to the
// message text (e.g. "Sync failed (repo=alice/docs/main, error=...)").
type messageHandler struct {
	inner slog.Handler
}

func (h *messageHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *messageHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.NumAttrs() > 0 {
		parts := make([]string, 0, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			parts = append(parts, a.Key+"="+formatValue(a.Value))
			return true
		})
		r.Message += " (" + strings.Join(parts, ", ") + ")"
	}
	return errors.Wrap(h.inner.Handle(ctx, r), "handle log record")
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	s := v.String()
	if v.Kind() == slog.KindString && (s == "" || strings.ContainsAny(s, " \t\",=()")) {
		return strconv.Quote(s)
	}
	return s
}

func (h *messageHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &messageHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *messageHandler) WithGroup(name string) slog.Handler {
	return &messageHandler{inner: h.inner.WithGroup(name)}
}

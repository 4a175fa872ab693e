package observe

import (
	"context"
	"log/slog"
)

// redactedAttrs lists attribute keys whose values must never reach the
// log stream: transcripts and audio are user content, not telemetry.
var redactedAttrs = map[string]bool{
	"text":          true,
	"transcript":    true,
	"transcription": true,
	"corrected":     true,
	"audio":         true,
	"prompt":        true,
}

// placeholder replaces redacted values so the log line still shows the
// attribute existed.
const placeholder = "[redacted]"

// RedactingHandler wraps an [slog.Handler] and strips user-content
// attributes from every record. Install it at logger construction so no
// call site can accidentally leak a transcript.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with content redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// Enabled implements [slog.Handler].
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements [slog.Handler], replacing redacted attribute values.
func (h *RedactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs implements [slog.Handler].
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

// WithGroup implements [slog.Handler].
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if redactedAttrs[a.Key] {
		return slog.String(a.Key, placeholder)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]any, 0, len(group))
		for _, g := range group {
			out = append(out, redactAttr(g))
		}
		return slog.Group(a.Key, out...)
	}
	return a
}

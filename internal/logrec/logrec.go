// Package logrec bridges slog records into the persistent log table so
// application logs are queryable next to the sessions they concern.
package logrec

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mhismail3/tron/internal/service"
)

// Attr keys recognized for column extraction.
const (
	KeySessionID   = "session_id"
	KeyWorkspaceID = "workspace_id"
	KeyEventID     = "event_id"
	KeyTurn        = "turn"
	KeyComponent   = "component"
	KeyTraceID     = "trace_id"
	KeyParentTrace = "parent_trace_id"
)

// Handler tees slog records into a LogStorer while delegating terminal
// output to the wrapped handler.
type Handler struct {
	next  slog.Handler
	store service.LogStorer
	attrs []slog.Attr
}

func New(next slog.Handler, store service.LogStorer) *Handler {
	return &Handler{next: next, store: store}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	entry := service.LogEntry{
		Timestamp: record.Time.UTC().Format(time.RFC3339Nano),
		Level:     record.Level.String(),
		Message:   record.Message,
	}

	extra := map[string]any{}

	collect := func(a slog.Attr) {
		switch a.Key {
		case KeySessionID:
			entry.SessionID = a.Value.String()
		case KeyWorkspaceID:
			entry.WorkspaceID = a.Value.String()
		case KeyEventID:
			entry.EventID = a.Value.String()
		case KeyComponent:
			entry.Component = a.Value.String()
		case KeyTraceID:
			entry.TraceID = a.Value.String()
		case KeyParentTrace:
			entry.ParentTraceID = a.Value.String()
		case KeyTurn:
			entry.Turn = int(a.Value.Int64())
		case "error":
			entry.ErrorMessage = a.Value.String()
		default:
			extra[a.Key] = a.Value.Any()
		}
	}

	for _, a := range h.attrs {
		collect(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		collect(a)

		return true
	})

	if len(extra) > 0 {
		if raw, err := json.Marshal(extra); err == nil {
			entry.Data = string(raw)
		}
	}

	// Persistence failures must not break logging; the terminal
	// handler still gets the record.
	_, _ = h.store.AppendLog(ctx, entry)

	return h.next.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	return &Handler{next: h.next.WithAttrs(attrs), store: h.store, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), store: h.store, attrs: h.attrs}
}

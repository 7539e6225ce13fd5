package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ComponentKey is the attribute naming the component of a logger.
const ComponentKey = "component"

// Handler filters records by component level before passing them to a
// base handler. A record's component is its "component" attribute or, when
// absent, the "name:" prefix of its message ("sideband: peer connected").
type Handler struct {
	base      slog.Handler
	spec      Spec
	component string
}

// NewHandler returns a Handler writing text or json to w.
func NewHandler(w io.Writer, spec Spec, format string) (*Handler, error) {
	opts := &slog.HandlerOptions{Level: spec.Min()}
	var base slog.Handler
	switch format {
	case "text", "":
		base = slog.NewTextHandler(w, opts)
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return &Handler{base: base, spec: spec}, nil
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.spec.LevelFor(h.component)
	}
	// The component may still come from the message prefix.
	return level >= h.spec.Min()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	c := h.component
	if c == "" {
		c = componentOf(r.Message)
	}
	if r.Level < h.spec.LevelFor(c) {
		return nil
	}
	return h.base.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &Handler{base: h.base.WithAttrs(attrs), spec: h.spec, component: h.component}
	for _, a := range attrs {
		if a.Key == ComponentKey {
			nh.component = a.Value.String()
		}
	}
	return nh
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{base: h.base.WithGroup(name), spec: h.spec, component: h.component}
}

func componentOf(msg string) string {
	name, _, ok := strings.Cut(msg, ": ")
	if !ok || strings.ContainsAny(name, " \t") {
		return ""
	}
	return name
}

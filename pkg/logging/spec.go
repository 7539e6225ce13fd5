// Package logging configures slog output with per-component levels and
// keeps a ring of recent sideband events.
package logging

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Spec is a base level plus per-component overrides, written as
// "<level>[,<component>=<level>]...", e.g. "info,sideband=debug".
type Spec struct {
	Base       slog.Level
	Components map[string]slog.Level
}

// ParseLevel parses debug, info, warn or error.
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
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ParseSpec parses a level spec. An empty string is info.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Base: slog.LevelInfo, Components: make(map[string]slog.Level)}
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvl, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first", part)
			}
			l, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.Base = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return spec, fmt.Errorf("empty component in %q", part)
		}
		l, err := ParseLevel(lvl)
		if err != nil {
			return spec, fmt.Errorf("component %s: %w", name, err)
		}
		spec.Components[name] = l
	}
	return spec, nil
}

// LevelFor returns the level in effect for component.
func (s Spec) LevelFor(component string) slog.Level {
	if l, ok := s.Components[component]; ok {
		return l
	}
	return s.Base
}

// Min returns the lowest level any component logs at.
func (s Spec) Min() slog.Level {
	m := s.Base
	for _, l := range s.Components {
		m = min(m, l)
	}
	return m
}

func (s Spec) String() string {
	parts := []string{strings.ToLower(s.Base.String())}
	names := make([]string, 0, len(s.Components))
	for n := range s.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		parts = append(parts, n+"="+strings.ToLower(s.Components[n].String()))
	}
	return strings.Join(parts, ",")
}

package policy

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Engine holds the ordered set of protected path patterns. It is
// compiled once at startup and read-only afterwards, so a single
// instance is shared across all concurrent event handlers.
type Engine struct {
	patterns []*regexp.Regexp
}

// New compiles the configured patterns. Patterns are RE2 regular
// expressions matched unanchored against each changed path, the
// canonical `\.github/workflows/` pattern therefore behaves like a
// substring check. A pattern that does not compile is a configuration
// error.
func New(patterns []string) (*Engine, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		r, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid protected path pattern '%s': %w", p, err)
		}
		compiled = append(compiled, r)
	}

	if len(compiled) == 0 {
		slog.Warn("No protected path patterns configured, every pull request will be approved")
	}

	return &Engine{patterns: compiled}, nil
}

// IsProtected reports whether any changed path matches any pattern.
// Patterns are tested in configured order, the first match wins. An
// empty change set is never protected.
func (e *Engine) IsProtected(changes []string) bool {
	for _, path := range changes {
		for _, pattern := range e.patterns {
			if pattern.MatchString(path) {
				slog.Debug("Changed path matches protected pattern",
					slog.String("path", path),
					slog.String("pattern", pattern.String()))
				return true
			}
		}
	}
	return false
}

// Empty reports whether the engine has no patterns at all, which an
// operator should treat differently from "nothing matched".
func (e *Engine) Empty() bool {
	return len(e.patterns) == 0
}

package dumper

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableFilter matches table names against glob patterns.
// An empty filter matches every table.
type TableFilter struct {
	patterns []string
	globs    []glob.Glob
}

// NewTableFilter compiles the given patterns.
func NewTableFilter(patterns []string) (*TableFilter, error) {
	f := &TableFilter{
		patterns: patterns,
		globs:    make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}

	return f, nil
}

// Match reports whether table is selected.
func (f *TableFilter) Match(table string) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns.
func (f *TableFilter) Patterns() []string {
	if f == nil {
		return nil
	}
	return f.patterns
}

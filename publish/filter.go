package publish

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/pgpulse/pgpulse/wire"
)

// GlobFilter matches events by table glob patterns and an operation
// allow-list. Empty patterns match every table; an empty operation list
// matches every operation.
type GlobFilter struct {
	tableGlobs []glob.Glob
	ops        map[wire.Op]bool
}

// NewGlobFilter compiles a filter from table patterns and operation names.
func NewGlobFilter(tablePatterns []string, ops []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs: make([]glob.Glob, 0, len(tablePatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	if len(ops) > 0 {
		filter.ops = make(map[wire.Op]bool, len(ops))
		for _, name := range ops {
			op := wire.Op(name)
			switch op {
			case wire.OpInsert, wire.OpUpdate, wire.OpDelete:
				filter.ops[op] = true
			default:
				return nil, fmt.Errorf("unknown operation %q", name)
			}
		}
	}

	return filter, nil
}

// Match reports whether the table and operation pass the filter.
func (f *GlobFilter) Match(table string, op wire.Op) bool {
	if f.ops != nil && !f.ops[op] {
		return false
	}

	if len(f.tableGlobs) == 0 {
		return true
	}
	for _, g := range f.tableGlobs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

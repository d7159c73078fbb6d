package realtime

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/opencivic/realtime/event"
)

// RowFilter narrows a subscription to rows whose column value matches a
// glob pattern. Expressions take the form "column=pattern", e.g.
// "campaign_id=c42" or "status=active*".
type RowFilter struct {
	column  string
	pattern glob.Glob
	raw     string
}

// ParseRowFilter compiles a filter expression. An empty expression returns
// a nil filter, which matches everything.
func ParseRowFilter(expr string) (*RowFilter, error) {
	if expr == "" {
		return nil, nil
	}

	column, pattern, ok := strings.Cut(expr, "=")
	if !ok || column == "" || pattern == "" {
		return nil, fmt.Errorf("invalid filter %q: expected column=pattern", expr)
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
	}

	return &RowFilter{
		column:  column,
		pattern: g,
		raw:     expr,
	}, nil
}

// Match evaluates the filter against the event's post-image (pre-image for
// deletes). A nil filter matches all events; a missing column never matches.
func (f *RowFilter) Match(ev event.ChangeEvent) bool {
	if f == nil {
		return true
	}

	record := ev.Record()
	if record == nil {
		return false
	}

	value, ok := record[f.column]
	if !ok {
		return false
	}

	return f.pattern.Match(fmt.Sprint(value))
}

// String returns the original expression, empty for a nil filter.
func (f *RowFilter) String() string {
	if f == nil {
		return ""
	}
	return f.raw
}

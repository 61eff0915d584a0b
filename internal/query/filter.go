package query

import (
	"fmt"
	"strings"

	"github.com/lazypower/rankd/internal/usage"
)

// Env supplies the live values the :current sentinel resolves to.
type Env struct {
	Activity string
	Agent    string
}

type termKind int

const (
	exact termKind = iota
	prefix
)

type term struct {
	kind  termKind
	value string
}

func (t term) matches(v string) bool {
	if t.kind == prefix {
		return strings.HasPrefix(v, t.value)
	}
	return v == t.value
}

// filter is an OR of terms. A nil filter places no constraint.
type filter []term

func (f filter) matches(v string) bool {
	if f == nil {
		return true
	}
	for _, t := range f {
		if t.matches(v) {
			return true
		}
	}
	return false
}

// where renders the filter as a parenthesised OR over column.
func (f filter) where(column string) (string, []any) {
	parts := make([]string, 0, len(f))
	args := make([]any, 0, len(f)*2)
	for _, t := range f {
		if t.kind == prefix {
			parts = append(parts, fmt.Sprintf("substr(%s, 1, length(?)) = ?", column))
			args = append(args, t.value, t.value)
			continue
		}
		parts = append(parts, column+" = ?")
		args = append(args, t.value)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func resolveFilter(values []string, current string) filter {
	f := make(filter, 0, len(values))
	for _, v := range values {
		switch {
		case v == usage.Any:
			return nil
		case v == usage.Current:
			f = append(f, term{kind: exact, value: current})
		case strings.HasSuffix(v, "*"):
			f = append(f, term{kind: prefix, value: strings.TrimSuffix(v, "*")})
		default:
			// :global and literals both compare verbatim; global rows are
			// stored under the sentinel itself.
			f = append(f, term{kind: exact, value: v})
		}
	}
	return f
}

// Resolved is a Query with its sentinels bound to concrete values. It is
// the single definition of filter semantics: the store translates it to
// SQL through Where and live watchers evaluate it through Matches.
type Resolved struct {
	Selection  Selection
	Ordering   Ordering
	Limit      int
	Offset     int
	agents     filter
	activities filter
	types      filter
}

// Resolve binds q's sentinels against env.
func Resolve(q Query, env Env) Resolved {
	return Resolved{
		Selection:  q.selection,
		Ordering:   q.ordering,
		Limit:      q.limit,
		Offset:     q.offset,
		agents:     resolveFilter(q.Agents(), env.Agent),
		activities: resolveFilter(q.Activities(), env.Activity),
		types:      resolveFilter(q.Types(), ""),
	}
}

// Matches reports whether a row or event with the given key and mimetype
// passes every filter. An unknown mimetype only passes an unconstrained
// type filter.
func (r Resolved) Matches(k usage.Key, mimetype string) bool {
	if !r.agents.matches(k.Agent) || !r.activities.matches(k.Activity) {
		return false
	}
	if r.types == nil {
		return true
	}
	return mimetype != "" && r.types.matches(mimetype)
}

// Columns names the SQL columns Where constrains.
type Columns struct {
	Activity string
	Agent    string
	MimeType string
}

// Where renders the filters as a SQL boolean expression with positional
// arguments. It returns "1 = 1" when nothing is constrained.
func (r Resolved) Where(cols Columns) (string, []any) {
	var conds []string
	var args []any
	add := func(f filter, col string) {
		if f == nil {
			return
		}
		c, a := f.where(col)
		conds = append(conds, c)
		args = append(args, a...)
	}
	add(r.activities, cols.Activity)
	add(r.agents, cols.Agent)
	if r.types != nil {
		c, a := r.types.where(cols.MimeType)
		conds = append(conds, "("+cols.MimeType+" IS NOT NULL AND "+cols.MimeType+" <> '' AND "+c+")")
		args = append(args, a...)
	}
	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

// ConstrainsTypes reports whether the type filter is anything but :any.
func (r Resolved) ConstrainsTypes() bool {
	return r.types != nil
}

// Package query describes what a ranked listing should contain. A Query is
// an immutable value: every builder method returns a new Query and leaves
// the receiver untouched.
package query

import (
	"slices"
	"strings"

	"github.com/lazypower/rankd/internal/usage"
)

// Selection chooses the family of resources a query reads.
type Selection int

const (
	All Selection = iota
	Linked
	Used
)

var selectionNames = map[Selection]string{
	All:    "all",
	Linked: "linked",
	Used:   "used",
}

func (s Selection) String() string {
	if n, ok := selectionNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseSelection accepts the names produced by Selection.String.
func ParseSelection(name string) (Selection, error) {
	for s, n := range selectionNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, usage.Errorf(usage.InvalidQuery, "unknown selection %q", name)
}

// Ordering chooses the sort key of a listing. Ties always fall back to the
// resource identifier, ascending.
type Ordering int

const (
	HighScoreFirst Ordering = iota
	RecentlyUsedFirst
	RecentlyCreatedFirst
	Alphabetical
	ByTitle
)

var orderingNames = map[Ordering]string{
	HighScoreFirst:       "high-score",
	RecentlyUsedFirst:    "recently-used",
	RecentlyCreatedFirst: "recently-created",
	Alphabetical:         "alphabetical",
	ByTitle:              "title",
}

func (o Ordering) String() string {
	if n, ok := orderingNames[o]; ok {
		return n
	}
	return "unknown"
}

// ParseOrdering accepts the names produced by Ordering.String.
func ParseOrdering(name string) (Ordering, error) {
	for o, n := range orderingNames {
		if strings.EqualFold(n, name) {
			return o, nil
		}
	}
	return 0, usage.Errorf(usage.InvalidQuery, "unknown ordering %q", name)
}

// Query is a declarative description of a listing. The zero value is not
// useful; start from New.
type Query struct {
	selection  Selection
	agents     []string
	activities []string
	types      []string
	ordering   Ordering
	limit      int
	offset     int
}

// Defaults applied to any filter list that was never set or was cleared.
var (
	DefaultAgents     = []string{usage.Current}
	DefaultActivities = []string{usage.Current}
	DefaultTypes      = []string{usage.Any}
)

// New returns a query selecting all resources, filtered to the caller's
// current activity and agent, ordered by score.
func New() Query {
	return Query{selection: All, ordering: HighScoreFirst}
}

func (q Query) Selection() Selection { return q.selection }
func (q Query) Ordering() Ordering   { return q.ordering }
func (q Query) Limit() int           { return q.limit }
func (q Query) Offset() int          { return q.offset }

func (q Query) Agents() []string     { return orDefault(q.agents, DefaultAgents) }
func (q Query) Activities() []string { return orDefault(q.activities, DefaultActivities) }
func (q Query) Types() []string      { return orDefault(q.types, DefaultTypes) }

func (q Query) WithSelection(s Selection) Query {
	q.selection = s
	return q
}

func (q Query) WithOrdering(o Ordering) Query {
	q.ordering = o
	return q
}

// WithLimit caps the number of results. Zero means unbounded.
func (q Query) WithLimit(n int) Query {
	if n < 0 {
		n = 0
	}
	q.limit = n
	return q
}

func (q Query) WithOffset(n int) Query {
	if n < 0 {
		n = 0
	}
	q.offset = n
	return q
}

func (q Query) AddAgents(agents ...string) Query {
	q.agents = appendCopy(q.agents, agents)
	return q
}

func (q Query) AddActivities(activities ...string) Query {
	q.activities = appendCopy(q.activities, activities)
	return q
}

func (q Query) AddTypes(types ...string) Query {
	q.types = appendCopy(q.types, types)
	return q
}

func (q Query) ClearAgents() Query {
	q.agents = nil
	return q
}

func (q Query) ClearActivities() Query {
	q.activities = nil
	return q
}

func (q Query) ClearTypes() Query {
	q.types = nil
	return q
}

// Equal reports structural equality, treating an unset filter and an
// explicit default as the same.
func (q Query) Equal(o Query) bool {
	return q.selection == o.selection &&
		q.ordering == o.ordering &&
		q.limit == o.limit &&
		q.offset == o.offset &&
		slices.Equal(q.Agents(), o.Agents()) &&
		slices.Equal(q.Activities(), o.Activities()) &&
		slices.Equal(q.Types(), o.Types())
}

// UsesCurrentActivity reports whether the activity filter depends on the
// caller's current activity.
func (q Query) UsesCurrentActivity() bool {
	return slices.Contains(q.Activities(), usage.Current)
}

// Validate rejects malformed filter terms.
func (q Query) Validate() error {
	if _, ok := selectionNames[q.selection]; !ok {
		return usage.Errorf(usage.InvalidQuery, "unknown selection %d", q.selection)
	}
	if _, ok := orderingNames[q.ordering]; !ok {
		return usage.Errorf(usage.InvalidQuery, "unknown ordering %d", q.ordering)
	}
	for _, a := range q.Agents() {
		if err := validateTerm("agent", a); err != nil {
			return err
		}
	}
	for _, a := range q.Activities() {
		if err := validateTerm("activity", a); err != nil {
			return err
		}
	}
	for _, t := range q.Types() {
		if t == usage.Current || t == usage.Global {
			return usage.Errorf(usage.InvalidQuery, "type filter does not accept %s", t)
		}
		if err := validateTerm("type", t); err != nil {
			return err
		}
	}
	return nil
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.selection.String())
	b.WriteString(" agents=")
	b.WriteString(strings.Join(q.Agents(), ","))
	b.WriteString(" activities=")
	b.WriteString(strings.Join(q.Activities(), ","))
	b.WriteString(" types=")
	b.WriteString(strings.Join(q.Types(), ","))
	b.WriteString(" order=")
	b.WriteString(q.ordering.String())
	return b.String()
}

func validateTerm(field, v string) error {
	if v == "" {
		return usage.Errorf(usage.InvalidQuery, "empty %s term", field)
	}
	if i := strings.IndexByte(v, '*'); i >= 0 && i != len(v)-1 {
		return usage.Errorf(usage.InvalidQuery, "%s term %q: wildcard only allowed at the end", field, v)
	}
	return nil
}

func orDefault(values, def []string) []string {
	if len(values) == 0 {
		return slices.Clone(def)
	}
	return slices.Clone(values)
}

// appendCopy never shares a backing array with the source query.
func appendCopy(dst, values []string) []string {
	out := make([]string, 0, len(dst)+len(values))
	out = append(out, dst...)
	return append(out, values...)
}

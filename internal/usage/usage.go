// Package usage holds the domain values shared by every rankd component:
// sentinel identifiers, usage intervals, score and link records, results
// and the change events that flow between the aggregator and live views.
package usage

import (
	"math"
	"time"
)

// Sentinel values accepted wherever an activity or agent is expected.
// They are resolved when a query is evaluated, never when it is built.
const (
	Current = ":current"
	Any     = ":any"
	Global  = ":global"
)

// LinkedScore is the score reported for pinned resources. It sorts ahead of
// every real score so linked entries stay at the top of a merged list.
var LinkedScore = math.Inf(1)

// Key identifies one score row.
type Key struct {
	Activity string
	Agent    string
	Resource string
}

// IntervalKind distinguishes the three shapes of raw usage.
type IntervalKind string

const (
	Accessed IntervalKind = "accessed"
	Opened   IntervalKind = "opened"
	Closed   IntervalKind = "closed"
)

// Interval is one raw usage report.
type Interval struct {
	Key
	Kind     IntervalKind
	Start    time.Time
	End      *time.Time
	Title    string
	MimeType string
}

// Length returns the interval duration, or zero while it is still open.
func (iv Interval) Length() time.Duration {
	if iv.End == nil {
		return 0
	}
	return iv.End.Sub(iv.Start)
}

// ScoreRecord is the persisted aggregate for one Key. CachedScore is the
// decayed aggregate as of LastUpdate.
type ScoreRecord struct {
	Key
	CachedScore float64
	FirstUpdate time.Time
	LastUpdate  time.Time
}

// LinkRecord pins a resource to an activity. Agent may be Global.
type LinkRecord struct {
	Key
}

// ResourceInfo is best-effort metadata about a resource.
type ResourceInfo struct {
	Resource string
	Title    string
	MimeType string
}

// Result is one row of a ranked listing.
type Result struct {
	Resource    string    `json:"resource"`
	Title       string    `json:"title"`
	MimeType    string    `json:"mimetype,omitempty"`
	Score       float64   `json:"score"`
	Linked      bool      `json:"linked,omitempty"`
	FirstUpdate time.Time `json:"first_update,omitempty"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
}

// DisplayTitle falls back to the resource when no title is known.
func (r Result) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return r.Resource
}

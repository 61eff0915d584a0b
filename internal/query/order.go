package query

import (
	"strings"

	"github.com/lazypower/rankd/internal/usage"
)

// OrderBy returns the ORDER BY clause for o over the result columns
// resource, title, score, linked, first_update and last_update. It must
// agree with Less.
func (o Ordering) OrderBy() string {
	switch o {
	case RecentlyUsedFirst:
		return "last_update DESC, resource ASC"
	case RecentlyCreatedFirst:
		return "first_update DESC, resource ASC"
	case Alphabetical:
		return "resource ASC"
	case ByTitle:
		return "COALESCE(NULLIF(title, ''), resource) ASC, resource ASC"
	default:
		return "linked DESC, score DESC, resource ASC"
	}
}

// Less reports whether a sorts strictly before b under o.
func (o Ordering) Less(a, b usage.Result) bool {
	switch o {
	case RecentlyUsedFirst:
		if !a.LastUpdate.Equal(b.LastUpdate) {
			return a.LastUpdate.After(b.LastUpdate)
		}
	case RecentlyCreatedFirst:
		if !a.FirstUpdate.Equal(b.FirstUpdate) {
			return a.FirstUpdate.After(b.FirstUpdate)
		}
	case Alphabetical:
	case ByTitle:
		if c := strings.Compare(a.DisplayTitle(), b.DisplayTitle()); c != 0 {
			return c < 0
		}
	default:
		if a.Linked != b.Linked {
			return a.Linked
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
	}
	return a.Resource < b.Resource
}

package usage

import "time"

// EventKind names a change event carried on the bus.
type EventKind string

const (
	ScoreUpdated EventKind = "score_updated"
	Linked       EventKind = "linked"
	Unlinked     EventKind = "unlinked"
	Forgotten    EventKind = "forgotten"
	TitleChanged EventKind = "title_changed"
)

// Event is a domain change. Which fields are populated depends on Kind:
// ScoreUpdated carries Key, Score, FirstUpdate, LastUpdate and Scores;
// Linked and Unlinked carry Key; TitleChanged carries Key.Resource, Title,
// Scores and Links; Forgotten carries nothing beyond At.
type Event struct {
	Kind        EventKind `json:"kind"`
	Key         Key       `json:"key"`
	MimeType    string    `json:"mimetype,omitempty"`
	Title       string    `json:"title,omitempty"`
	Score       float64   `json:"score,omitempty"`
	FirstUpdate time.Time `json:"first_update,omitempty"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
	At          time.Time `json:"at"`

	// Scores holds every score row of the resource as of LastUpdate, so a
	// live projection can rebuild the same per-resource sum the store
	// reports. When empty, Key and Score stand in for it.
	Scores []ScoreRecord `json:"scores,omitempty"`
	// Links holds the resource's link keys on TitleChanged, so watchers
	// can tell whether the resource belongs to their listing.
	Links []Key `json:"links,omitempty"`
}

// Touches reports whether a TitleChanged event concerns a listing that
// selects score rows (used) or link rows (linked) through match.
func (e Event) Touches(used, linked bool, match func(Key) bool) bool {
	if used {
		for _, s := range e.Scores {
			if match(s.Key) {
				return true
			}
		}
	}
	if linked {
		for _, k := range e.Links {
			if match(k) {
				return true
			}
		}
	}
	return false
}

// Result projects the event onto a result row.
func (e Event) Result() Result {
	r := Result{
		Resource:    e.Key.Resource,
		Title:       e.Title,
		MimeType:    e.MimeType,
		Score:       e.Score,
		FirstUpdate: e.FirstUpdate,
		LastUpdate:  e.LastUpdate,
	}
	if e.Kind == Linked {
		r.Score = LinkedScore
		r.Linked = true
	}
	return r
}

// SumFor projects a ScoreUpdated event onto the result row a listing
// filtered by match would report: the sum of the matching score rows, each
// decayed to LastUpdate, with the earliest first and latest last update.
// It reports false when no row matches.
func (e Event) SumFor(match func(Key) bool) (Result, bool) {
	rows := e.Scores
	if len(rows) == 0 {
		rows = []ScoreRecord{{Key: e.Key, CachedScore: e.Score, FirstUpdate: e.FirstUpdate, LastUpdate: e.LastUpdate}}
	}
	r := Result{Resource: e.Key.Resource, Title: e.Title, MimeType: e.MimeType}
	found := false
	for _, s := range rows {
		if !match(s.Key) {
			continue
		}
		r.Score += s.CachedScore * Decay(s.LastUpdate, e.LastUpdate)
		if !found || s.FirstUpdate.Before(r.FirstUpdate) {
			r.FirstUpdate = s.FirstUpdate
		}
		if !found || s.LastUpdate.After(r.LastUpdate) {
			r.LastUpdate = s.LastUpdate
		}
		found = true
	}
	return r, found
}

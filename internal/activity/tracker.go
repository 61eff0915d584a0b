// Package activity tracks the user's activities and which one is current.
package activity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Resolver answers "what is the current activity" and reports changes.
type Resolver interface {
	CurrentActivity() string
	Subscribe(fn func(activity string)) (cancel func())
}

// Activity is a named context usage is recorded under.
type Activity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tracker is an in-memory Resolver. Change callbacks run synchronously on
// the goroutine that switched the activity, outside the tracker's lock.
type Tracker struct {
	mu         sync.RWMutex
	current    string
	activities map[string]Activity
	subs       map[int]func(string)
	nextSub    int
}

// NewTracker returns a tracker whose current activity is initial. An empty
// initial creates and selects a fresh activity.
func NewTracker(initial string) *Tracker {
	t := &Tracker{
		activities: make(map[string]Activity),
		subs:       make(map[int]func(string)),
	}
	if initial == "" {
		initial = uuid.NewString()
	}
	t.activities[initial] = Activity{ID: initial, Name: initial}
	t.current = initial
	return t
}

// Create registers a new activity and returns it. It does not switch to it.
func (t *Tracker) Create(name string) Activity {
	a := Activity{ID: uuid.NewString(), Name: strings.TrimSpace(name)}
	if a.Name == "" {
		a.Name = a.ID
	}
	t.mu.Lock()
	t.activities[a.ID] = a
	t.mu.Unlock()
	return a
}

// SetCurrent switches the current activity. Unknown ids are registered on
// the fly. Subscribers are notified only on an actual change.
func (t *Tracker) SetCurrent(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("activity id is empty")
	}
	t.mu.Lock()
	if _, ok := t.activities[id]; !ok {
		t.activities[id] = Activity{ID: id, Name: id}
	}
	if t.current == id {
		t.mu.Unlock()
		return nil
	}
	t.current = id
	subs := make([]func(string), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(id)
	}
	return nil
}

func (t *Tracker) CurrentActivity() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// List returns every known activity ordered by name.
func (t *Tracker) List() []Activity {
	t.mu.RLock()
	out := make([]Activity, 0, len(t.activities))
	for _, a := range t.activities {
		out = append(out, a)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *Tracker) Subscribe(fn func(string)) (cancel func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Static is a Resolver pinned to one activity.
type Static string

func (s Static) CurrentActivity() string            { return string(s) }
func (Static) Subscribe(func(string)) (cancel func()) { return func() {} }

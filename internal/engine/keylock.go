package engine

import (
	"sync"
)

// keyLock serializes work per resource. Entries are dropped once unused.
// Scoring holds it from the read-modify-write through the publish, so the
// events of one resource reach subscribers in commit order.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyEntry)}
}

// lock blocks until resource is free and returns the matching unlock.
func (l *keyLock) lock(resource string) (unlock func()) {
	l.mu.Lock()
	e := l.locks[resource]
	if e == nil {
		e = &keyEntry{}
		l.locks[resource] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, resource)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

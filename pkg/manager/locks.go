package manager

import "sync"

// lockMap serializes work per sandbox ID. Entries are created on demand
// and dropped as soon as the last holder releases, so the map stays
// proportional to in-flight work rather than to sandbox history.
type lockMap struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{entries: make(map[string]*lockEntry)}
}

// lock acquires the per-sandbox mutex for id and returns its release
// function. Different IDs never contend with each other.
func (l *lockMap) lock(id string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}

// size reports the number of live entries, for tests.
func (l *lockMap) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

package engine

import "sync"

// instanceLocks hands out one mutex per workflow instance so every
// state-mutating operation on an instance is serialized. Entries are
// reference counted and dropped once the last holder releases, keeping
// the map bounded by the number of concurrently active instances.
type instanceLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the instance lock is held and returns the release
// function. Release must be called exactly once.
func (l *instanceLocks) Acquire(instanceID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[instanceID]
	if !ok {
		entry = &lockEntry{}
		l.entries[instanceID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.entries, instanceID)
			}
			l.mu.Unlock()
		})
	}
}

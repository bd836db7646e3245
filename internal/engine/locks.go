package engine

import "sync"

// userLocks serializes state transitions per user while letting
// distinct users proceed in parallel. Entries are refcounted so the
// table does not grow with every user ever seen.
type userLocks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[int64]*lockEntry)}
}

// Lock acquires the exclusive section for a user and returns the
// matching release function. The release must run on every exit path.
func (l *userLocks) Lock(userID int64) func() {
	l.mu.Lock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &lockEntry{}
		l.entries[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}

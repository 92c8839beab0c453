package billing

import "sync"

// subscriberLocks serializes reconciliation per subscriber while letting
// different subscribers proceed in parallel. Entries are reference counted
// and dropped once the last holder releases, so the map does not grow with
// the subscriber population.
type subscriberLocks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSubscriberLocks() *subscriberLocks {
	return &subscriberLocks{held: make(map[string]*lockEntry)}
}

// Lock acquires the per-subscriber lock and returns its release func.
func (l *subscriberLocks) Lock(subscriberID string) func() {
	l.mu.Lock()
	entry, ok := l.held[subscriberID]
	if !ok {
		entry = &lockEntry{}
		l.held[subscriberID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.held, subscriberID)
		}
		l.mu.Unlock()
	}
}

package service

import "sync"

// pairLock serializes merges per (project, user) pair. Merges for
// different pairs run fully in parallel.
type pairLock struct {
	mu    sync.Mutex
	locks map[string]*pairEntry
}

type pairEntry struct {
	mu   sync.Mutex
	refs int
}

func newPairLock() *pairLock {
	return &pairLock{locks: make(map[string]*pairEntry)}
}

func (l *pairLock) Lock(key string) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &pairEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

func (l *pairLock) Unlock(key string) {
	l.mu.Lock()
	entry := l.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()

	entry.mu.Unlock()
}

// Package keyed provides per-key mutual exclusion so work for one owner
// never waits on another owner's lock.
package keyed

import "sync"

// Mutex hands out one lock per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type Mutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for k and returns its release func.
func (m *Mutex[K]) Lock(k K) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*entry)
	}
	e := m.locks[k]
	if e == nil {
		e = &entry{}
		m.locks[k] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, k)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *Mutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

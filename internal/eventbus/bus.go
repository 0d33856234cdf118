// Package eventbus is the in-process fanout for linking and broadcast events.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Topic string
	Owner int64
	Time  time.Time
	Data  any
}

// Publisher is the side the domain packages depend on.
type Publisher interface {
	Publish(e Event)
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

type sub struct {
	prefix string
	ch     chan Event
	closed atomic.Bool
}

func New() *Bus { return &Bus{subs: map[uint64]*sub{}} }

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed.Load() || !strings.HasPrefix(e.Topic, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns events whose topic starts with prefix ("" for all).
// The channel is closed by the returned cancel func.
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{prefix: prefix, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			s.closed.Store(true)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// no Publish holds the read lock past this point
			close(s.ch)
		})
	}
}

func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

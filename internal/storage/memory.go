package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Each owner gets its own shard and lock, so
// writes for different owners never contend.
type Memory struct {
	shards sync.Map // int64 -> *shard
	closed sync.Once
	done   chan struct{}
}

type shard struct {
	mu       sync.Mutex
	records  map[string][]byte
	counters map[string]int64
}

func NewMemory() *Memory { return &Memory{done: make(chan struct{})} }

func (m *Memory) shard(owner int64) *shard {
	if v, ok := m.shards.Load(owner); ok {
		return v.(*shard)
	}
	v, _ := m.shards.LoadOrStore(owner, &shard{
		records:  map[string][]byte{},
		counters: map[string]int64{},
	})
	return v.(*shard)
}

func (m *Memory) check(ctx context.Context) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (m *Memory) Get(ctx context.Context, k Key) ([]byte, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	s := m.shard(k.Owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[k.Name]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) Put(ctx context.Context, k Key, v []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	s := m.shard(k.Owner)
	s.mu.Lock()
	s.records[k.Name] = clone(v)
	s.mu.Unlock()
	return nil
}

func (m *Memory) Create(ctx context.Context, k Key, v []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	s := m.shard(k.Owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[k.Name]; ok {
		return ErrExists
	}
	s.records[k.Name] = clone(v)
	return nil
}

func (m *Memory) Delete(ctx context.Context, k Key) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	s := m.shard(k.Owner)
	s.mu.Lock()
	delete(s.records, k.Name)
	s.mu.Unlock()
	return nil
}

func (m *Memory) Update(ctx context.Context, k Key, fn UpdateFunc) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	s := m.shard(k.Owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[k.Name]
	next, err := fn(clone(cur), ok)
	if err != nil {
		return err
	}
	if next != nil {
		s.records[k.Name] = clone(next)
	}
	return nil
}

func (m *Memory) FindMany(ctx context.Context, f Filter) ([]Record, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []Record
	m.eachShard(f, func(owner int64, s *shard) {
		for name, v := range s.records {
			k := Key{Owner: owner, Name: name}
			if f.match(k) {
				out = append(out, Record{Key: k, Value: clone(v)})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out, nil
}

func (m *Memory) Increment(ctx context.Context, k Key, delta int64) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	s := m.shard(k.Owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[k.Name] += delta
	return s.counters[k.Name], nil
}

func (m *Memory) Counters(ctx context.Context, f Filter) ([]Counter, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []Counter
	m.eachShard(f, func(owner int64, s *shard) {
		for name, v := range s.counters {
			k := Key{Owner: owner, Name: name}
			if f.match(k) {
				out = append(out, Counter{Key: k, Value: v})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out, nil
}

// eachShard visits matching shards with their lock held.
func (m *Memory) eachShard(f Filter, visit func(owner int64, s *shard)) {
	if !f.AllOwners {
		v, ok := m.shards.Load(f.Owner)
		if !ok {
			return
		}
		s := v.(*shard)
		s.mu.Lock()
		visit(f.Owner, s)
		s.mu.Unlock()
		return
	}
	m.shards.Range(func(key, value any) bool {
		s := value.(*shard)
		s.mu.Lock()
		visit(key.(int64), s)
		s.mu.Unlock()
		return true
	})
}

func (m *Memory) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}

func lessKey(a, b Key) bool {
	if a.Owner != b.Owner {
		return a.Owner < b.Owner
	}
	return a.Name < b.Name
}

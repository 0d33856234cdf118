package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"adcaster/pkg/logx"
)

// redisStore keeps one hash per owner for records and one for counters, plus a
// set of known owners so AllOwners scans don't need KEYS/SCAN.
//
//	<prefix>rec:<owner>   HASH name -> value
//	<prefix>cnt:<owner>   HASH name -> int
//	<prefix>owners        SET  owner ids
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

// A failed WATCH means another writer committed to the same owner hash, so
// the retry budget only needs to cover the expected number of writers.
const redisUpdateRetries = 32

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = time.Second
	if opts.TLSConfig == nil && strings.HasPrefix(url, "rediss://") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "adcaster:"
	}
	log.Info("redis store connected", logx.String("addr", opts.Addr), logx.Int("db", opts.DB))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) recKey(owner int64) string {
	return s.prefix + "rec:" + strconv.FormatInt(owner, 10)
}
func (s *redisStore) cntKey(owner int64) string {
	return s.prefix + "cnt:" + strconv.FormatInt(owner, 10)
}
func (s *redisStore) ownersKey() string { return s.prefix + "owners" }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) Get(ctx context.Context, k Key) ([]byte, error) {
	v, err := s.rdb.HGet(ctx, s.recKey(k.Owner), k.Name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *redisStore) Put(ctx context.Context, k Key, v []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.recKey(k.Owner), k.Name, v)
		p.SAdd(ctx, s.ownersKey(), k.Owner)
		return nil
	})
	return err
}

func (s *redisStore) Create(ctx context.Context, k Key, v []byte) error {
	ok, err := s.rdb.HSetNX(ctx, s.recKey(k.Owner), k.Name, v).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return s.rdb.SAdd(ctx, s.ownersKey(), k.Owner).Err()
}

func (s *redisStore) Delete(ctx context.Context, k Key) error {
	return s.rdb.HDel(ctx, s.recKey(k.Owner), k.Name).Err()
}

// Update uses optimistic locking on the owner hash. WATCH granularity is the
// whole hash, so concurrent writes for the same owner retry; other owners are
// unaffected.
func (s *redisStore) Update(ctx context.Context, k Key, fn UpdateFunc) error {
	key := s.recKey(k.Owner)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, k.Name).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			cur, exists, err = nil, false, nil
		}
		if err != nil {
			return err
		}
		next, err := fn(cur, exists)
		if err != nil || next == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, k.Name, next)
			p.SAdd(ctx, s.ownersKey(), k.Owner)
			return nil
		})
		return err
	}
	for i := 0; i < redisUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.IntN(5)+1) * time.Millisecond):
		}
	}
	return ErrConflict
}

func (s *redisStore) owners(ctx context.Context, f Filter) ([]int64, error) {
	if !f.AllOwners {
		return []int64{f.Owner}, nil
	}
	ids, err := s.rdb.SMembers(ctx, s.ownersKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		v, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *redisStore) FindMany(ctx context.Context, f Filter) ([]Record, error) {
	owners, err := s.owners(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, owner := range owners {
		m, err := s.rdb.HGetAll(ctx, s.recKey(owner)).Result()
		if err != nil {
			return nil, err
		}
		start := len(out)
		for name, v := range m {
			if strings.HasPrefix(name, f.Prefix) {
				out = append(out, Record{Key: Key{Owner: owner, Name: name}, Value: []byte(v)})
			}
		}
		part := out[start:]
		sort.Slice(part, func(i, j int) bool { return part[i].Name < part[j].Name })
	}
	return out, nil
}

func (s *redisStore) Increment(ctx context.Context, k Key, delta int64) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrBy(ctx, s.cntKey(k.Owner), k.Name, delta)
		p.SAdd(ctx, s.ownersKey(), k.Owner)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *redisStore) Counters(ctx context.Context, f Filter) ([]Counter, error) {
	owners, err := s.owners(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []Counter
	for _, owner := range owners {
		m, err := s.rdb.HGetAll(ctx, s.cntKey(owner)).Result()
		if err != nil {
			return nil, err
		}
		start := len(out)
		for name, raw := range m {
			if !strings.HasPrefix(name, f.Prefix) {
				continue
			}
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.log.Warn("skipping malformed counter", logx.String("name", name), logx.Err(err))
				continue
			}
			out = append(out, Counter{Key: Key{Owner: owner, Name: name}, Value: v})
		}
		part := out[start:]
		sort.Slice(part, func(i, j int) bool { return part[i].Name < part[j].Name })
	}
	return out, nil
}

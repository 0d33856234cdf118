package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	ErrConflict = errors.New("storage: concurrent update conflict")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite
	URL         string        // redis
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeyPrefix   string        // redis only; default "adcaster:"
}

// Key addresses one record or counter. Owner 0 is reserved for global values.
type Key struct {
	Owner int64
	Name  string
}

func (k Key) String() string { return strconv.FormatInt(k.Owner, 10) + "/" + k.Name }

type Record struct {
	Key
	Value []byte
}

type Counter struct {
	Key
	Value int64
}

// Filter selects records or counters. Owner is ignored when AllOwners is set.
// Results are ordered by owner, then name.
type Filter struct {
	Owner     int64
	AllOwners bool
	Prefix    string
}

func (f Filter) match(k Key) bool {
	if !f.AllOwners && k.Owner != f.Owner {
		return false
	}
	return strings.HasPrefix(k.Name, f.Prefix)
}

// UpdateFunc receives the current value (nil, false when absent) and returns the
// next one. Returning a nil slice with a nil error leaves the record untouched.
// It runs while the record is held and must not call back into the Store.
type UpdateFunc func(cur []byte, exists bool) ([]byte, error)

// Store is the persistence API used by the domain packages.
type Store interface {
	Get(ctx context.Context, k Key) ([]byte, error)
	// Put upserts.
	Put(ctx context.Context, k Key, v []byte) error
	// Create inserts and fails with ErrExists if the key is taken.
	Create(ctx context.Context, k Key, v []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, k Key) error
	// Update is an atomic single-record read-modify-write.
	Update(ctx context.Context, k Key, fn UpdateFunc) error
	FindMany(ctx context.Context, f Filter) ([]Record, error)

	Increment(ctx context.Context, k Key, delta int64) (int64, error)
	Counters(ctx context.Context, f Filter) ([]Counter, error)

	Close() error
}

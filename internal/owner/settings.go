// Package owner stores per-owner broadcast settings: the ad message, the
// cycle delay and the destination filter.
package owner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"adcaster/internal/clock"
	"adcaster/internal/codec"
	"adcaster/internal/storage"
)

var (
	ErrEmptyMessage = errors.New("owner: message is empty")
	ErrDelayRange   = errors.New("owner: cycle delay out of range")
)

const (
	settingsKey     = "settings"
	settingsKind    = "settings"
	settingsVersion = 1
)

// Settings is the owner's broadcast configuration. Without Filtered every
// eligible destination is used; with it only Destinations, which may be empty.
type Settings struct {
	Message      string        `cbor:"message"`
	CycleDelay   time.Duration `cbor:"cycle_delay"`
	Filtered     bool          `cbor:"filtered,omitempty"`
	Destinations []int64       `cbor:"destinations,omitempty"`
	UpdatedAt    time.Time     `cbor:"updated_at"`
}

// Allows reports whether destination passes the filter.
func (s Settings) Allows(destination int64) bool {
	return !s.Filtered || slices.Contains(s.Destinations, destination)
}

type Limits struct {
	DefaultDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
}

type Repo struct {
	db     storage.Store
	limits Limits
	clock  clock.Clock
}

func NewRepo(db storage.Store, limits Limits, c clock.Clock) *Repo {
	if c == nil {
		c = clock.Real()
	}
	if limits.DefaultDelay <= 0 {
		limits.DefaultDelay = 30 * time.Second
	}
	return &Repo{db: db, limits: limits, clock: c}
}

func (r *Repo) Limits() Limits { return r.limits }

func key(owner int64) storage.Key { return storage.Key{Owner: owner, Name: settingsKey} }

func (r *Repo) decode(b []byte) (Settings, error) {
	var s Settings
	if _, err := codec.OpenInto(settingsKind, settingsVersion, b, &s); err != nil {
		return Settings{}, fmt.Errorf("owner: %w", err)
	}
	if s.CycleDelay <= 0 {
		s.CycleDelay = r.limits.DefaultDelay
	}
	if len(s.Destinations) > 0 {
		s.Filtered = true
	}
	return s, nil
}

// Get returns the stored settings, or defaults for an owner that never wrote any.
func (r *Repo) Get(ctx context.Context, owner int64) (Settings, error) {
	b, err := r.db.Get(ctx, key(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return Settings{CycleDelay: r.limits.DefaultDelay}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	return r.decode(b)
}

func (r *Repo) update(ctx context.Context, owner int64, mutate func(*Settings) error) (Settings, error) {
	var out Settings
	err := r.db.Update(ctx, key(owner), func(cur []byte, exists bool) ([]byte, error) {
		s := Settings{CycleDelay: r.limits.DefaultDelay}
		if exists {
			var err error
			if s, err = r.decode(cur); err != nil {
				return nil, err
			}
		}
		if err := mutate(&s); err != nil {
			return nil, err
		}
		s.UpdatedAt = r.clock.Now().UTC()
		out = s
		return codec.Seal(settingsKind, settingsVersion, s)
	})
	return out, err
}

// SetMessage replaces the ad message; the latest write wins.
func (r *Repo) SetMessage(ctx context.Context, owner int64, text string) (Settings, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Settings{}, ErrEmptyMessage
	}
	return r.update(ctx, owner, func(s *Settings) error {
		s.Message = text
		return nil
	})
}

func (r *Repo) SetDelay(ctx context.Context, owner int64, d time.Duration) (Settings, error) {
	if (r.limits.MinDelay > 0 && d < r.limits.MinDelay) || (r.limits.MaxDelay > 0 && d > r.limits.MaxDelay) || d <= 0 {
		return Settings{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrDelayRange, d, r.limits.MinDelay, r.limits.MaxDelay)
	}
	return r.update(ctx, owner, func(s *Settings) error {
		s.CycleDelay = d
		return nil
	})
}

func (r *Repo) AddDestination(ctx context.Context, owner, destination int64) (Settings, error) {
	return r.update(ctx, owner, func(s *Settings) error {
		if !slices.Contains(s.Destinations, destination) {
			s.Destinations = append(s.Destinations, destination)
		}
		s.Filtered = true
		return nil
	})
}

// RemoveDestination drops one id. Removing the last id leaves an empty
// filter, not "all"; only ClearDestinations widens the target set.
func (r *Repo) RemoveDestination(ctx context.Context, owner, destination int64) (Settings, error) {
	return r.update(ctx, owner, func(s *Settings) error {
		s.Destinations = slices.DeleteFunc(s.Destinations, func(id int64) bool { return id == destination })
		return nil
	})
}

// ClearDestinations drops the filter so every eligible destination is used.
func (r *Repo) ClearDestinations(ctx context.Context, owner int64) (Settings, error) {
	return r.update(ctx, owner, func(s *Settings) error {
		s.Filtered = false
		s.Destinations = nil
		return nil
	})
}

// Package credential is the session credential store: age-sealed protocol
// secrets bound to LinkedAccount records, at most MaxAccounts active per owner.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"adcaster/internal/clock"
	"adcaster/internal/codec"
	"adcaster/internal/keyed"
	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

var (
	ErrNotFound     = errors.New("credential: account not found")
	ErrNotLinked    = errors.New("credential: account not linked")
	ErrCorrupt      = errors.New("credential: corrupt credential")
	ErrAccountLimit = errors.New("credential: account limit reached")
)

const (
	recordKind    = "account"
	recordVersion = 1
	keyPrefix     = "account/"

	indexKind = "account-index"
	indexName = "accounts"
	// reserveGrace keeps a reservation whose account record is not visible
	// yet, either because Create is in flight or because it never happened.
	reserveGrace = time.Minute
)

const (
	ReasonUnauthorized = "unauthorized"
	ReasonRemoved      = "removed"
	ReasonCorrupt      = "corrupt"
)

// Account is a LinkedAccount. Sealed holds the encrypted session secret.
type Account struct {
	ID            string    `cbor:"id"`
	Owner         int64     `cbor:"owner"`
	Phone         string    `cbor:"phone"`
	Sealed        []byte    `cbor:"sealed"`
	Active        bool      `cbor:"active"`
	CreatedAt     time.Time `cbor:"created_at"`
	DeactivatedAt time.Time `cbor:"deactivated_at,omitempty"`
	Reason        string    `cbor:"reason,omitempty"`
}

type Options struct {
	MaxAccounts int
	Clock       clock.Clock
	Log         logx.Logger
}

type Store struct {
	db    storage.Store
	vault *Vault
	clock clock.Clock
	log   logx.Logger
	max   int
	locks keyed.Mutex[int64]
}

// accountIndex is the per-owner record every Put reserves a slot in through a
// single atomic Update, so the cap holds across processes sharing a store.
type accountIndex struct {
	Reserved map[string]time.Time `cbor:"reserved"`
}

func NewStore(db storage.Store, vault *Vault, opt Options) *Store {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.MaxAccounts <= 0 {
		opt.MaxAccounts = 5
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Store{db: db, vault: vault, clock: opt.Clock, max: opt.MaxAccounts, log: opt.Log.With(logx.String("comp", "credential"))}
}

func (s *Store) Vault() *Vault { return s.vault }

func (s *Store) MaxAccounts() int { return s.max }

func accountKey(owner int64, id string) storage.Key {
	return storage.Key{Owner: owner, Name: keyPrefix + id}
}

func indexKey(owner int64) storage.Key {
	return storage.Key{Owner: owner, Name: indexName}
}

func decodeAccount(b []byte) (Account, error) {
	var a Account
	if _, err := codec.OpenInto(recordKind, recordVersion, b, &a); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return a, nil
}

// Put seals secret and creates a new active LinkedAccount. Relinking the same
// phone creates another record; the old one is left as it is.
func (s *Store) Put(ctx context.Context, owner int64, phone string, secret []byte) (Account, error) {
	sealed, err := s.vault.Seal(secret)
	if err != nil {
		return Account{}, err
	}

	unlock := s.locks.Lock(owner)
	defer unlock()

	active, err := s.Active(ctx, owner)
	if err != nil {
		return Account{}, err
	}
	a := Account{
		ID:        uuid.NewString(),
		Owner:     owner,
		Phone:     phone,
		Sealed:    sealed,
		Active:    true,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.reserve(ctx, owner, a.ID, a.CreatedAt, active); err != nil {
		return Account{}, err
	}
	b, err := codec.Seal(recordKind, recordVersion, a)
	if err == nil {
		err = s.db.Create(ctx, accountKey(owner, a.ID), b)
	}
	if err != nil {
		s.release(ctx, owner, a.ID)
		return Account{}, fmt.Errorf("credential: create account: %w", err)
	}
	return a, nil
}

// reserve claims a slot for id in the owner's index. Entries are rebuilt
// from active (read before the update) plus reservations still in grace, so
// an index lost or left stale by a crash converges on the next Put.
func (s *Store) reserve(ctx context.Context, owner int64, id string, now time.Time, active []Account) error {
	live := make(map[string]bool, len(active))
	for _, a := range active {
		live[a.ID] = true
	}
	return s.db.Update(ctx, indexKey(owner), func(cur []byte, exists bool) ([]byte, error) {
		var idx accountIndex
		if exists {
			if _, err := codec.OpenInto(indexKind, recordVersion, cur, &idx); err != nil {
				s.log.Warn("rebuilding unreadable account index", logx.Owner(owner), logx.Err(err))
				idx = accountIndex{}
			}
		}
		next := make(map[string]time.Time, len(idx.Reserved)+len(live)+1)
		for rid, at := range idx.Reserved {
			if live[rid] || now.Sub(at) < reserveGrace {
				next[rid] = at
			}
		}
		for rid := range live {
			if _, ok := next[rid]; !ok {
				next[rid] = now
			}
		}
		if len(next) >= s.max {
			return nil, fmt.Errorf("%w (%d)", ErrAccountLimit, s.max)
		}
		next[id] = now
		return codec.Seal(indexKind, recordVersion, accountIndex{Reserved: next})
	})
}

// release frees id's slot. A failure only leaves a stale entry that the
// next reserve prunes once the grace period has passed.
func (s *Store) release(ctx context.Context, owner int64, id string) {
	err := s.db.Update(ctx, indexKey(owner), func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		var idx accountIndex
		if _, err := codec.OpenInto(indexKind, recordVersion, cur, &idx); err != nil {
			return nil, nil
		}
		if _, ok := idx.Reserved[id]; !ok {
			return nil, nil
		}
		delete(idx.Reserved, id)
		return codec.Seal(indexKind, recordVersion, idx)
	})
	if err != nil {
		s.log.Warn("account index release failed", logx.Owner(owner), logx.Account(id), logx.Err(err))
	}
}

func (s *Store) Lookup(ctx context.Context, owner int64, id string) (Account, error) {
	b, err := s.db.Get(ctx, accountKey(owner, id))
	if errors.Is(err, storage.ErrNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return decodeAccount(b)
}

// Get returns the decrypted secret of an active account.
func (s *Store) Get(ctx context.Context, owner int64, id string) ([]byte, error) {
	a, err := s.Lookup(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrNotLinked
	}
	return s.vault.Open(a.Sealed)
}

// Deactivate flips the active flag in one atomic update. It reports whether
// this call changed the record.
func (s *Store) Deactivate(ctx context.Context, owner int64, id, reason string) (bool, error) {
	changed := false
	err := s.db.Update(ctx, accountKey(owner, id), func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrNotFound
		}
		a, err := decodeAccount(cur)
		if err != nil {
			return nil, err
		}
		if !a.Active {
			return nil, nil
		}
		a.Active = false
		a.DeactivatedAt = s.clock.Now().UTC()
		a.Reason = reason
		changed = true
		return codec.Seal(recordKind, recordVersion, a)
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.release(ctx, owner, id)
	}
	return changed, nil
}

// Remove is the administrative deactivation.
func (s *Store) Remove(ctx context.Context, owner int64, id string) (bool, error) {
	return s.Deactivate(ctx, owner, id, ReasonRemoved)
}

// List returns every account of owner ordered by creation time, then id.
// Records that fail to decode are logged and skipped.
func (s *Store) List(ctx context.Context, owner int64) ([]Account, error) {
	recs, err := s.db.FindMany(ctx, storage.Filter{Owner: owner, Prefix: keyPrefix})
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(recs))
	for _, r := range recs {
		a, err := decodeAccount(r.Value)
		if err != nil {
			s.log.Warn("skipping corrupt account record", logx.Owner(owner), logx.String("key", r.Name), logx.Err(err))
			continue
		}
		if a.ID == "" {
			a.ID = strings.TrimPrefix(r.Name, keyPrefix)
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Active(ctx context.Context, owner int64) ([]Account, error) {
	all, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, a := range all {
		if a.Active {
			active = append(active, a)
		}
	}
	return active, nil
}

func (s *Store) CountActive(ctx context.Context, owner int64) (int, error) {
	active, err := s.Active(ctx, owner)
	return len(active), err
}

// MaskPhone keeps the country prefix and the last two digits.
func MaskPhone(phone string) string {
	if len(phone) <= 5 {
		return phone
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}

func (a Account) MaskedPhone() string { return MaskPhone(a.Phone) }

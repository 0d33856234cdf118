// Package stats keeps persistent delivery counters per owner. Every increment
// is mirrored into the global totals stored under owner 0.
package stats

import (
	"context"
	"strings"

	"adcaster/internal/storage"
	"adcaster/pkg/logx"
)

const (
	Sent       = "sent"
	Failed     = "failed"
	Cycles     = "cycles"
	Broadcasts = "broadcasts"

	prefix = "stats/"
	global = int64(0)
)

type Snapshot struct {
	Sent       int64
	Failed     int64
	Cycles     int64
	Broadcasts int64
}

type Recorder struct {
	db  storage.Store
	log logx.Logger
}

func NewRecorder(db storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{db: db, log: log.With(logx.String("comp", "stats"))}
}

// Add bumps counter for owner and the global total. Failures are logged and
// never returned: accounting must not stop a broadcast.
func (r *Recorder) Add(ctx context.Context, owner int64, counter string, delta int64) {
	if delta == 0 {
		return
	}
	name := prefix + counter
	if _, err := r.db.Increment(ctx, storage.Key{Owner: owner, Name: name}, delta); err != nil {
		r.log.Warn("increment failed", logx.Owner(owner), logx.String("counter", counter), logx.Err(err))
	}
	if owner == global {
		return
	}
	if _, err := r.db.Increment(ctx, storage.Key{Owner: global, Name: name}, delta); err != nil {
		r.log.Warn("increment failed", logx.Owner(global), logx.String("counter", counter), logx.Err(err))
	}
}

func (r *Recorder) Snapshot(ctx context.Context, owner int64) (Snapshot, error) {
	cs, err := r.db.Counters(ctx, storage.Filter{Owner: owner, Prefix: prefix})
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	for _, c := range cs {
		switch strings.TrimPrefix(c.Name, prefix) {
		case Sent:
			s.Sent = c.Value
		case Failed:
			s.Failed = c.Value
		case Cycles:
			s.Cycles = c.Value
		case Broadcasts:
			s.Broadcasts = c.Value
		}
	}
	return s, nil
}

func (r *Recorder) Totals(ctx context.Context) (Snapshot, error) { return r.Snapshot(ctx, global) }

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adcaster/internal/codec"
	"adcaster/internal/storage"
)

const (
	jobKey       = "broadcast/job"
	lastRunKey   = "broadcast/last_run"
	stateKind    = "broadcast_job"
	stateVersion = 1
)

// JobState is the persisted BroadcastJob descriptor.
type JobState struct {
	RunID     string    `cbor:"run_id"`
	Running   bool      `cbor:"running"`
	StartedAt time.Time `cbor:"started_at"`
	StoppedAt time.Time `cbor:"stopped_at,omitempty"`
	Cycles    int64     `cbor:"cycles"`
	Sent      int64     `cbor:"sent"`
	Failed    int64     `cbor:"failed"`
	LastError string    `cbor:"last_error,omitempty"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

func stateKey(owner int64, name string) storage.Key { return storage.Key{Owner: owner, Name: name} }

func encodeState(s JobState) ([]byte, error) { return codec.Seal(stateKind, stateVersion, s) }

func decodeState(b []byte) (JobState, error) {
	var s JobState
	if _, err := codec.OpenInto(stateKind, stateVersion, b, &s); err != nil {
		return JobState{}, fmt.Errorf("broadcast: job state: %w", err)
	}
	return s, nil
}

func (o *Orchestrator) saveState(ctx context.Context, owner int64, name string, s JobState) error {
	s.UpdatedAt = o.clock.Now().UTC()
	b, err := encodeState(s)
	if err != nil {
		return err
	}
	return o.db.Put(ctx, stateKey(owner, name), b)
}

func (o *Orchestrator) loadState(ctx context.Context, owner int64, name string) (JobState, bool, error) {
	b, err := o.db.Get(ctx, stateKey(owner, name))
	if errors.Is(err, storage.ErrNotFound) {
		return JobState{}, false, nil
	}
	if err != nil {
		return JobState{}, false, err
	}
	s, err := decodeState(b)
	return s, err == nil, err
}

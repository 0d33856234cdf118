// Package codec encodes persisted records as deterministic CBOR wrapped in a
// small kind/version envelope so schema changes are explicit.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// keep sub-second precision on timestamps (TTL checks compare them)
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

type RawMessage = cbor.RawMessage

var (
	ErrKind    = errors.New("codec: record kind mismatch")
	ErrVersion = errors.New("codec: unsupported record version")
)

type envelope struct {
	Kind    string          `cbor:"k"`
	Version uint            `cbor:"v"`
	Body    cbor.RawMessage `cbor:"b"`
}

// Seal wraps v in an envelope tagged with kind and version.
func Seal(kind string, version uint, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", kind, err)
	}
	return encMode.Marshal(envelope{Kind: kind, Version: version, Body: body})
}

// Open checks the envelope kind and returns its version and raw body.
func Open(kind string, data []byte) (uint, RawMessage, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("codec: decode envelope: %w", err)
	}
	if env.Kind != kind {
		return 0, nil, fmt.Errorf("%w: want %q got %q", ErrKind, kind, env.Kind)
	}
	return env.Version, env.Body, nil
}

// OpenInto decodes a record whose version must be in [1, maxVersion].
func OpenInto(kind string, maxVersion uint, data []byte, v any) (uint, error) {
	ver, body, err := Open(kind, data)
	if err != nil {
		return 0, err
	}
	if ver == 0 || ver > maxVersion {
		return ver, fmt.Errorf("%w: %s v%d", ErrVersion, kind, ver)
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return ver, fmt.Errorf("codec: decode %s v%d: %w", kind, ver, err)
	}
	return ver, nil
}

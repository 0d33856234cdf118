package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

type sample struct {
	Name  string    `cbor:"name"`
	Count int       `cbor:"count"`
	At    time.Time `cbor:"at"`
	Tags  []string  `cbor:"tags,omitempty"`
}

func TestSealOpenRoundTrip(t *testing.T) {
	in := sample{Name: "x", Count: 3, At: time.Unix(1700000000, 0).UTC(), Tags: []string{"a"}}
	b, err := Seal("sample", 2, in)
	if err != nil {
		t.Fatal(err)
	}
	var out sample
	ver, err := OpenInto("sample", 2, b, &out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ver != 2 || out.Name != in.Name || out.Count != in.Count || !out.At.Equal(in.At) {
		t.Fatalf("mismatch: v%d %+v", ver, out)
	}
}

func TestSealIsDeterministic(t *testing.T) {
	a, _ := Seal("m", 1, map[string]int{"b": 2, "a": 1, "c": 3})
	b, _ := Seal("m", 1, map[string]int{"c": 3, "a": 1, "b": 2})
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding depends on map order")
	}
}

func TestOpenRejectsWrongKindAndVersion(t *testing.T) {
	b, _ := Seal("one", 3, sample{})
	var out sample
	if _, err := OpenInto("two", 3, b, &out); !errors.Is(err, ErrKind) {
		t.Fatalf("expected ErrKind, got %v", err)
	}
	if _, err := OpenInto("one", 2, b, &out); !errors.Is(err, ErrVersion) {
		t.Fatalf("expected ErrVersion, got %v", err)
	}
	if _, _, err := Open("one", []byte{0xff, 0x00}); err == nil {
		t.Fatalf("garbage decoded")
	}
}

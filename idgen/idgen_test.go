package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for range 1000 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for range 100 {
		id := gen()
		if id < prev {
			// v7 IDs generated in sequence share a millisecond timestamp
			// prefix, so strict ordering can only break across timestamps.
			if id[:8] != prev[:8] {
				t.Fatalf("IDs not time-ordered: %s < %s", id, prev)
			}
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("tsk_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "tsk_") {
		t.Fatalf("expected tsk_ prefix, got %s", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "tsk_")); err != nil {
		t.Fatalf("suffix is not a UUID: %v", err)
	}
}

func TestNanoID(t *testing.T) {
	gen := NanoID(12)
	id := gen()
	if len(id) != 12 {
		t.Fatalf("len = %d, want 12", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyz", c) {
			t.Fatalf("unexpected character %q in %s", c, id)
		}
	}
}

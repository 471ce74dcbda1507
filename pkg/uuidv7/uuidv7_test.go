package uuidv7

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewVersionAndVariant(t *testing.T) {
	u, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if u.Version() != 7 {
		t.Fatalf("expected version 7, got %d", u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		t.Fatalf("expected RFC 4122 variant, got %v", u.Variant())
	}
}

func TestNewTimestampIsCurrent(t *testing.T) {
	before := time.Now().UnixMilli()
	u, err := New()
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now().UnixMilli()

	b := u[:]
	ms := int64(b[0])<<40 | int64(b[1])<<32 | int64(b[2])<<24 | int64(b[3])<<16 | int64(b[4])<<8 | int64(b[5])
	if ms < before || ms > after {
		t.Fatalf("timestamp %d outside [%d, %d]", ms, before, after)
	}
}

func TestNewStringParses(t *testing.T) {
	s, err := NewString()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(s); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
}

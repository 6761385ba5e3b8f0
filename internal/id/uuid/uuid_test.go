package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique, valid and time ordered.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7, got v%d", parsed.Version())
	}
	if id1 >= id2 {
		t.Fatalf("expected %s to sort before %s", id1, id2)
	}
}

func TestGeneratorNewRequestID(t *testing.T) {
	t.Parallel()

	parsed, err := goUUID.Parse(New().NewRequestID())
	if err != nil {
		t.Fatalf("request id not valid UUID: %v", err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected v4, got v%d", parsed.Version())
	}
}

package hexid

import (
	"regexp"
	"testing"
)

func TestNew(t *testing.T) {
	id := New(4)
	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("expected 8 lowercase hex chars, got %q", id)
	}
	if tok := Token(); len(tok) != 2*TokenBytes {
		t.Fatalf("token length = %d", len(tok))
	}
}

func TestTokenUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := Token()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate token after %d iterations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

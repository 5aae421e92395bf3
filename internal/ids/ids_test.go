package ids

import (
	"testing"
	"time"
)

func TestNewProducesUniqueSortableIDs(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
		if prev != "" && id <= prev {
			t.Fatalf("ids not monotonic: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestNewAtOrdersByTimestamp(t *testing.T) {
	early := NewAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	late := NewAt(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if early >= late {
		t.Fatalf("timestamp order not reflected: %q vs %q", early, late)
	}
}

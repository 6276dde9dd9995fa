package buffer

import "testing"

func TestRingKeepsMostRecentEntries(t *testing.T) {
	ring := NewRing[int](3)

	for value := 1; value <= 5; value++ {
		ring.Add(value)
	}

	if ring.Len() != 3 {
		t.Fatalf("expected length 3, got %d", ring.Len())
	}
	got := ring.List()
	want := []int{3, 4, 5}
	for i, value := range want {
		if got[i] != value {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingPartialFill(t *testing.T) {
	ring := NewRing[string](4)
	ring.Add("a")
	ring.Add("b")

	if ring.Len() != 2 {
		t.Fatalf("expected length 2, got %d", ring.Len())
	}
	if ring.Cap() != 4 {
		t.Fatalf("expected capacity 4, got %d", ring.Cap())
	}
	got := ring.List()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected entries: %v", got)
	}
}

func TestRingEmptyAndNil(t *testing.T) {
	ring := NewRing[int](2)
	if ring.Len() != 0 {
		t.Fatalf("expected empty ring")
	}
	if ring.List() != nil {
		t.Fatalf("expected nil list for empty ring")
	}

	var missing *Ring[int]
	missing.Add(1)
	if missing.Len() != 0 || missing.List() != nil {
		t.Fatalf("nil ring should be inert")
	}
}

func TestRingZeroCapacityClamped(t *testing.T) {
	ring := NewRing[int](0)
	ring.Add(7)
	ring.Add(8)
	got := ring.List()
	if len(got) != 1 || got[0] != 8 {
		t.Fatalf("expected single most recent entry, got %v", got)
	}
}

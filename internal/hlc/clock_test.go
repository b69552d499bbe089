package hlc

import (
	"testing"
)

func TestClock_NowLocal(t *testing.T) {
	clock := NewClock("device1", HLC{})

	ts1, err := clock.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts1.IsZero() {
		t.Fatal("expected non-zero timestamp")
	}

	ts2, err := clock.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts2.Compare(ts1) <= 0 {
		t.Error("expected ts2 after ts1 (monotonicity)")
	}
}

func TestClock_Monotonicity(t *testing.T) {
	clock := NewClock("device1", HLC{})
	clock.nowFn = func() int64 { return 1000 } // freeze physical time

	var prev HLC
	for i := 0; i < 1000; i++ {
		ts, err := clock.NowLocal()
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if i > 0 && ts.Compare(prev) <= 0 {
			t.Fatalf("monotonicity violated at iteration %d: %v not after %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestClock_Overflow(t *testing.T) {
	clock := NewClock("device1", HLC{})
	clock.nowFn = func() int64 { return 1000 }
	clock.logical = logicalMask

	if _, err := clock.NowLocal(); err != ErrClockOverflow {
		t.Fatalf("expected ErrClockOverflow, got %v", err)
	}
}

func TestClock_Observe(t *testing.T) {
	clock1 := NewClock("device1", HLC{})
	clock2 := NewClock("device2", HLC{})

	ts1, err := clock1.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	observed, err := clock2.Observe(ts1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed.Compare(ts1) <= 0 {
		t.Errorf("observe must dominate remote: observed=%v remote=%v", observed, ts1)
	}

	ts2, err := clock2.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts2.Compare(ts1) <= 0 {
		t.Errorf("expected ts2 after ts1: ts1=%v, ts2=%v", ts1, ts2)
	}
}

func TestClock_ObserveDominatesFuture(t *testing.T) {
	clock := NewClock("device1", HLC{})
	clock.nowFn = func() int64 { return 1000 }

	future := HLC{Physical: 5000, Logical: 3}
	observed, err := clock.Observe(future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed.Compare(future) <= 0 {
		t.Errorf("expected observed to dominate future remote timestamp: %v vs %v", observed, future)
	}
}

func TestHLC_Compare(t *testing.T) {
	tests := []struct {
		name     string
		h1       HLC
		h2       HLC
		expected int
	}{
		{"earlier physical", HLC{Physical: 100}, HLC{Physical: 200}, -1},
		{"same physical, lower logical", HLC{Physical: 100, Logical: 5}, HLC{Physical: 100, Logical: 10}, -1},
		{"later physical", HLC{Physical: 200}, HLC{Physical: 100}, 1},
		{"same physical, higher logical", HLC{Physical: 100, Logical: 10}, HLC{Physical: 100, Logical: 5}, 1},
		{"equal", HLC{Physical: 100, Logical: 5}, HLC{Physical: 100, Logical: 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.h1.Compare(tt.h2); got != tt.expected {
				t.Errorf("expected %d, got %d for %v vs %v", tt.expected, got, tt.h1, tt.h2)
			}
		})
	}
}

func TestHLC_PackUnpack(t *testing.T) {
	h := HLC{Physical: 1234567890123, Logical: 42}
	got := Unpack(h.Pack())
	if got != h {
		t.Errorf("round trip mismatch: got %v, want %v", got, h)
	}
}

func TestHLC_PackOrderingMatchesCompare(t *testing.T) {
	a := HLC{Physical: 100, Logical: 5}
	b := HLC{Physical: 100, Logical: 6}
	c := HLC{Physical: 101, Logical: 0}

	if !(a.Pack() < b.Pack() && b.Pack() < c.Pack()) {
		t.Fatalf("packed ordering does not match causal ordering: %d %d %d", a.Pack(), b.Pack(), c.Pack())
	}
}

func TestHLC_Age(t *testing.T) {
	h := HLC{Physical: 1000}
	if got := h.Age(6000); got != 5000*1_000_000 {
		t.Errorf("expected age of 5s, got %v", got)
	}
	if got := h.Age(500); got != 0 {
		t.Errorf("expected zero age for future timestamp, got %v", got)
	}
}

func TestClock_CausalityPreservation(t *testing.T) {
	node1 := NewClock("device1", HLC{})
	node2 := NewClock("device2", HLC{})
	node3 := NewClock("device3", HLC{})

	eventA, err := node1.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := node2.Observe(eventA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eventB, err := node2.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventB.Compare(eventA) <= 0 {
		t.Error("causality violated: B should happen after A")
	}

	if _, err := node3.Observe(eventB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eventC, err := node3.NowLocal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventC.Compare(eventB) <= 0 {
		t.Error("causality violated: C should happen after B")
	}
	if eventC.Compare(eventA) <= 0 {
		t.Error("transitivity violated: C should happen after A")
	}
}

package clock

import (
	"encoding/json"
	"testing"
)

func TestHappenedBefore(t *testing.T) {
	a := VectorClock{"c1": 2}
	b := VectorClock{"c1": 3}

	if !a.HappenedBefore(b) {
		t.Fatalf("{c1:2} should precede {c1:3}")
	}
	if b.HappenedBefore(a) {
		t.Fatalf("{c1:3} must not precede {c1:2}")
	}
	if a.IsConcurrent(b) {
		t.Fatalf("causally ordered clocks are not concurrent")
	}
}

func TestHappenedBeforeWithDisjointClients(t *testing.T) {
	a := VectorClock{"c1": 1}
	b := VectorClock{"c1": 1, "c2": 1}

	if !a.HappenedBefore(b) {
		t.Fatalf("a clock extended by a new client dominates the original")
	}

	x := VectorClock{"c1": 2}
	y := VectorClock{"c2": 2}
	if !x.IsConcurrent(y) {
		t.Fatalf("disjoint clocks are concurrent")
	}
}

func TestEqualClocksAreNotOrdered(t *testing.T) {
	a := VectorClock{"c1": 1, "c2": 2}
	b := VectorClock{"c2": 2, "c1": 1}

	if !a.Equals(b) {
		t.Fatalf("expected equal clocks")
	}
	if a.HappenedBefore(b) || b.HappenedBefore(a) {
		t.Fatalf("equal clocks must not be ordered")
	}
}

func TestMergeTakesPointwiseMax(t *testing.T) {
	a := VectorClock{"c1": 2, "c2": 1}
	a.Merge(VectorClock{"c1": 1, "c3": 4})

	want := VectorClock{"c1": 2, "c2": 1, "c3": 4}
	if !a.Equals(want) {
		t.Fatalf("merge result %v, want %v", a, want)
	}
}

func TestDominates(t *testing.T) {
	local := VectorClock{"c1": 3, "c2": 1}
	if !local.Dominates(VectorClock{"c1": 2}) {
		t.Fatalf("local clock should dominate a lower clock")
	}
	if local.Dominates(VectorClock{"c3": 1}) {
		t.Fatalf("local clock must not dominate an unseen client")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := VectorClock{"c1": 1}
	b := a.Clone()
	b.Increment("c1")
	if a.Get("c1") != 1 || b.Get("c1") != 2 {
		t.Fatalf("clone shares state: a=%v b=%v", a, b)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := VectorClock{"alice": 7, "bob": 3}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var b VectorClock
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("round trip mismatch: %v vs %v", a, b)
	}
}

func TestClear(t *testing.T) {
	a := VectorClock{"c1": 1, "c2": 2}
	a.Clear()
	if len(a.ClientIDs()) != 0 {
		t.Fatalf("clear left entries: %v", a)
	}
}

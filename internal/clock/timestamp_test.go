package clock

import (
	"strings"
	"testing"
)

func TestCompareIsTotal(t *testing.T) {
	a := New(1, "alice")
	b := New(2, "alice")
	c := New(2, "bob")

	if a.Compare(b) >= 0 {
		t.Fatalf("expected %v < %v", a, b)
	}
	if b.Compare(a) <= 0 {
		t.Fatalf("expected %v > %v", b, a)
	}
	if b.Compare(c) >= 0 {
		t.Fatalf("equal counters must tie-break by client id, got %d", b.Compare(c))
	}
	if c.Compare(c) != 0 {
		t.Fatalf("identical timestamps must compare equal")
	}

	// transitivity across a < b < c
	if !(a.Compare(b) < 0 && b.Compare(c) < 0 && a.Compare(c) < 0) {
		t.Fatalf("ordering is not transitive")
	}
}

func TestMergeMonotonicity(t *testing.T) {
	cases := []struct {
		local, remote Timestamp
		want          uint64
	}{
		{New(1, "alice"), New(5, "bob"), 6},
		{New(9, "alice"), New(2, "bob"), 10},
		{New(3, "alice"), New(3, "bob"), 4},
		{New(0, "alice"), New(0, "bob"), 1},
	}
	for _, tc := range cases {
		got := tc.local.Merge(tc.remote)
		if got.Counter != tc.want {
			t.Fatalf("merge(%v, %v): counter %d, want %d", tc.local, tc.remote, got.Counter, tc.want)
		}
		if got.ClientID != tc.local.ClientID {
			t.Fatalf("merge must preserve the local client id, got %q", got.ClientID)
		}
	}
}

func TestNextDoesNotMutate(t *testing.T) {
	a := New(4, "alice")
	b := a.Next()
	if a.Counter != 4 || b.Counter != 5 {
		t.Fatalf("Next should return a fresh value: a=%v b=%v", a, b)
	}
}

func TestNewOperationIDEmbedsClient(t *testing.T) {
	id := NewOperationID("alice")
	if !strings.HasPrefix(id, "alice-") {
		t.Fatalf("operation id %q should embed the client id", id)
	}
	if id == NewOperationID("alice") {
		t.Fatalf("operation ids must be unique")
	}
}

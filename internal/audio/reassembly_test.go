package audio

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestReassemblyQueue_InOrderReleasesImmediately(t *testing.T) {
	q := NewReassemblyQueue()

	release := q.Submit(0, []byte("a"))
	if len(release) != 1 || string(release[0]) != "a" {
		t.Fatalf("expected immediate release of chunk 0, got %v", release)
	}

	release = q.Submit(1, []byte("b"))
	if len(release) != 1 || string(release[0]) != "b" {
		t.Fatalf("expected immediate release of chunk 1, got %v", release)
	}
}

func TestReassemblyQueue_OutOfOrderHoldsUntilGapFills(t *testing.T) {
	q := NewReassemblyQueue()

	release := q.Submit(1, []byte("b"))
	if len(release) != 0 {
		t.Fatalf("expected chunk 1 to be held back with chunk 0 missing, got %v", release)
	}
	if q.Pending() != 1 {
		t.Errorf("expected 1 pending chunk, got %d", q.Pending())
	}

	release = q.Submit(2, []byte("c"))
	if len(release) != 0 {
		t.Fatalf("expected chunk 2 to also be held back, got %v", release)
	}

	release = q.Submit(0, []byte("a"))
	if len(release) != 3 {
		t.Fatalf("expected chunks 0,1,2 to release together, got %d chunks", len(release))
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if string(release[i]) != w {
			t.Errorf("release[%d] = %q, want %q", i, release[i], w)
		}
	}
	if q.Pending() != 0 {
		t.Errorf("expected 0 pending after drain, got %d", q.Pending())
	}
}

func TestReassemblyQueue_IndexZeroResetsPriorUtterance(t *testing.T) {
	q := NewReassemblyQueue()

	q.Submit(0, []byte("a"))
	release := q.Submit(3, []byte("stale")) // chunk 1,2 never arrived, call moved on
	if len(release) != 0 {
		t.Fatalf("expected stale chunk 3 held back, got %v", release)
	}

	// New utterance begins at index 0 again — must discard the stale chunk 3.
	release = q.Submit(0, []byte("new-a"))
	if len(release) != 1 || string(release[0]) != "new-a" {
		t.Fatalf("expected only new-a released, got %v", release)
	}
	if q.Pending() != 0 {
		t.Errorf("expected stale chunk 3 discarded on reset, got %d pending", q.Pending())
	}
}

func TestReassemblyQueue_ReleasesInOrderRegardlessOfDeliveryOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(20)
		indices := rng.Perm(n)

		q := NewReassemblyQueue()
		var released []int
		for _, idx := range indices {
			chunks := q.Submit(idx, []byte{byte(idx)})
			for _, c := range chunks {
				released = append(released, int(c[0]))
			}
		}

		if len(released) != n {
			t.Fatalf("trial %d: expected all %d chunks eventually released, got %d", trial, n, len(released))
		}
		for i, v := range released {
			if v != i {
				t.Fatalf("trial %d: released out of order at position %d: got %d, want %d (full: %v)", trial, i, v, i, released)
			}
		}
	}
}

func TestReassemblyQueue_Reset(t *testing.T) {
	q := NewReassemblyQueue()
	q.Submit(1, []byte("held"))
	if q.Pending() != 1 {
		t.Fatalf("expected 1 pending before reset")
	}

	q.Reset()
	if q.Pending() != 0 {
		t.Errorf("expected 0 pending after reset, got %d", q.Pending())
	}

	release := q.Submit(0, []byte("fresh"))
	if len(release) != 1 || !bytes.Equal(release[0], []byte("fresh")) {
		t.Fatalf("expected fresh chunk 0 to release after reset, got %v", release)
	}
}

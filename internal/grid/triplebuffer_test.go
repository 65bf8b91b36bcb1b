package grid

import (
	"sync"
	"testing"
)

type triplet struct {
	a, b, c uint64
}

func TestTripleBufferLockSemantics(t *testing.T) {
	tb := NewTripleBuffer[int]()

	if tb.LockNewValue() {
		t.Fatalf("fresh buffer claims a new value")
	}

	*tb.StartNewValue() = 42
	tb.PostNewValue()

	if !tb.LockNewValue() {
		t.Fatalf("posted value not visible")
	}
	if got := *tb.LockedValue(); got != 42 {
		t.Fatalf("locked value = %d, want 42", got)
	}

	// Without another post, a second lock finds nothing new but the locked
	// value stays valid.
	if tb.LockNewValue() {
		t.Fatalf("stale buffer claims a new value")
	}
	if got := *tb.LockedValue(); got != 42 {
		t.Fatalf("locked value after no-op lock = %d, want 42", got)
	}

	*tb.StartNewValue() = 7
	tb.PostNewValue()
	*tb.StartNewValue() = 8
	tb.PostNewValue()

	// Only the most recent post is delivered.
	if !tb.LockNewValue() {
		t.Fatalf("second post not visible")
	}
	if got := *tb.LockedValue(); got != 8 {
		t.Fatalf("locked value = %d, want 8", got)
	}
}

func TestTripleBufferNoTornReads(t *testing.T) {
	tb := NewTripleBuffer[triplet]()

	const rounds = 100000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= rounds; i++ {
			v := tb.StartNewValue()
			v.a, v.b, v.c = i, i, i
			tb.PostNewValue()
		}
	}()

	var last uint64
	for last < rounds {
		if !tb.LockNewValue() {
			continue
		}
		v := tb.LockedValue()
		if v.a != v.b || v.b != v.c {
			t.Fatalf("torn read: %+v", *v)
		}
		if v.a < last {
			t.Fatalf("went backwards: %d after %d", v.a, last)
		}
		last = v.a
	}
	wg.Wait()
}

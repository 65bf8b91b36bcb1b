package grid

import "sync/atomic"

// TripleBuffer hands complete values from one writer goroutine to one reader
// goroutine without locks. The writer fills the back slot and posts it; the
// reader locks the most recently posted slot and keeps an unchanging view of
// it until the next lock. Neither side ever blocks or starves the other.
//
// The middle word packs the spare slot index in its low bits and a dirty flag
// marking whether that slot holds a value the reader has not seen yet. Only
// the writer sets the flag and only the reader clears it.
type TripleBuffer[T any] struct {
	slots  [3]T
	middle atomic.Uint32
	back   uint32
	front  uint32
}

const tripleDirty = 0x4

// NewTripleBuffer returns a triple buffer with all slots zero-valued.
func NewTripleBuffer[T any]() *TripleBuffer[T] {
	tb := &TripleBuffer[T]{back: 0, front: 2}
	tb.middle.Store(1)
	return tb
}

// Slot exposes slot i for one-time initialization before any writer or
// reader runs.
func (tb *TripleBuffer[T]) Slot(i int) *T {
	return &tb.slots[i]
}

// StartNewValue returns the slot the writer may fill next. The returned value
// is not visible to the reader until PostNewValue.
func (tb *TripleBuffer[T]) StartNewValue() *T {
	return &tb.slots[tb.back]
}

// PostNewValue publishes the slot returned by the last StartNewValue.
func (tb *TripleBuffer[T]) PostNewValue() {
	old := tb.middle.Swap(tb.back | tripleDirty)
	tb.back = old &^ tripleDirty
}

// LockNewValue makes the most recently posted value the locked value. It
// returns whether a new value was posted since the last call; if not, the
// locked value is unchanged.
func (tb *TripleBuffer[T]) LockNewValue() bool {
	if tb.middle.Load()&tripleDirty == 0 {
		return false
	}
	old := tb.middle.Swap(tb.front)
	tb.front = old &^ tripleDirty
	return true
}

// LockedValue returns the value locked by the last successful LockNewValue.
// The returned value never changes until the reader locks again.
func (tb *TripleBuffer[T]) LockedValue() *T {
	return &tb.slots[tb.front]
}

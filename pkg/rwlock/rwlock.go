// Package rwlock provides a reader-writer lock with one reader slot per
// registered thread. Readers only touch their own cache line, so concurrent
// readers of a replica do not contend with each other; the single writer (the
// combiner) pays for scanning every slot.
package rwlock

import (
	"sync/atomic"

	"noderepl/pkg/backoff"
)

type readerSlot struct {
	n atomic.Int64
	_ [56]byte
}

// RWLock is a distributed reader-writer lock. Reader ids are in [0, Readers()).
// A reader id must not be used by two goroutines at the same time.
type RWLock struct {
	writer atomic.Bool
	_      [63]byte

	readers []readerSlot
	policy  backoff.Policy
}

func New(readers int, policy backoff.Policy) *RWLock {
	if policy == nil {
		policy = backoff.Default()
	}
	return &RWLock{
		readers: make([]readerSlot, readers),
		policy:  policy,
	}
}

// Readers returns the number of reader slots.
func (l *RWLock) Readers() int { return len(l.readers) }

// Lock acquires the lock exclusively. It first wins the writer flag, then
// waits for every reader slot to drain.
func (l *RWLock) Lock() {
	for attempt := 1; !l.writer.CompareAndSwap(false, true); attempt++ {
		l.policy.Wait(attempt)
	}
	for i := range l.readers {
		for attempt := 1; l.readers[i].n.Load() != 0; attempt++ {
			l.policy.Wait(attempt)
		}
	}
}

func (l *RWLock) Unlock() {
	if !l.writer.CompareAndSwap(true, false) {
		panic("rwlock: unlock of unlocked lock")
	}
}

// RLock acquires the shared side for reader id.
func (l *RWLock) RLock(id int) {
	slot := &l.readers[id]
	for attempt := 1; ; attempt++ {
		for w := 1; l.writer.Load(); w++ {
			l.policy.Wait(w)
		}
		slot.n.Add(1)
		if !l.writer.Load() {
			return
		}
		// a writer slipped in between the check and the increment
		slot.n.Add(-1)
		l.policy.Wait(attempt)
	}
}

func (l *RWLock) RUnlock(id int) {
	if l.readers[id].n.Add(-1) < 0 {
		panic("rwlock: runlock of unlocked reader slot")
	}
}

package clock

import "sync/atomic"

// AtomicClock is a monotonic counter shared between goroutines.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Max raises the clock to t if t is larger and returns the resulting value.
// The clock never moves backwards through Max.
func (ac *AtomicClock) Max(t uint64) uint64 {
	for {
		cur := ac.Load()
		if t <= cur {
			return cur
		}
		if ac.CompareAndSwap(cur, t) {
			return t
		}
	}
}

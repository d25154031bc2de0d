// Package backoff holds the waiting policies used by threads that lose the
// race for a combiner lock, wait for a response, or wait for log space.
//
// A policy is a scheduling hint. Correctness never depends on it: every wait
// loop re-checks its condition after Wait returns.
package backoff

import (
	"runtime"
	"time"

	"github.com/zhangyunhao116/fastrand"
)

// Policy decides how long to pause before the next attempt of a retry loop.
// attempt starts at 1 and grows by one for every failed attempt.
type Policy interface {
	Wait(attempt int)
}

// Func adapts a plain function to Policy.
type Func func(attempt int)

func (f Func) Wait(attempt int) { f(attempt) }

// Spin busy-waits for the first SpinIterations attempts, then yields the
// processor. Past YieldAfter attempts it sleeps for a random duration up to
// MaxSleep. A zero MaxSleep disables sleeping.
type Spin struct {
	SpinIterations int
	YieldAfter     int
	MaxSleep       time.Duration
}

// Default is tuned for short critical sections: a combine round normally
// finishes within a few microseconds.
func Default() Spin {
	return Spin{
		SpinIterations: 16,
		YieldAfter:     1 << 12,
		MaxSleep:       50 * time.Microsecond,
	}
}

func (s Spin) Wait(attempt int) {
	switch {
	case attempt <= s.SpinIterations:
		spin(attempt)
	case s.MaxSleep <= 0 || attempt <= s.YieldAfter:
		runtime.Gosched()
	default:
		time.Sleep(time.Duration(fastrand.Uint32n(uint32(s.MaxSleep)) + 1))
	}
}

// spin burns a few cycles proportional to attempt without touching shared memory.
//
//go:noinline
func spin(attempt int) {
	for i := 0; i < attempt*8; i++ {
	}
}

// Sleep always sleeps for D. Useful in tests that want to widen race windows.
type Sleep struct {
	D time.Duration
}

func (s Sleep) Wait(int) { time.Sleep(s.D) }

// Yield always yields the processor.
type Yield struct{}

func (Yield) Wait(int) { runtime.Gosched() }

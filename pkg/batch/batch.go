// Package batch implements the per-thread staging area a replica uses to hand
// operations from calling threads to whichever thread is currently combining.
//
// A Context is a single-producer ring with three cursors:
//
//	head <= comb <= tail
//
// tail is advanced by the owning thread when it stages an operation, comb by
// the combiner once responses for staged operations are posted, and head by
// the owning thread as it consumes responses. Operations in [comb, tail) are
// pending, responses in [head, comb) are ready.
package batch

import (
	"sync/atomic"
)

// DefaultBound is the default number of in-flight operations per context.
const DefaultBound = 32

// Result is the outcome of one dispatched operation. Err is whatever the
// data structure's dispatch returned; it is never interpreted here.
type Result[Resp any] struct {
	Value Resp
	Err   error
}

type slot[W, Resp any] struct {
	op   W
	resp Result[Resp]
}

// Context stages the write operations of one thread for one log of a replica.
type Context[W, Resp any] struct {
	slots []slot[W, Resp]
	mask  uint64

	tail atomic.Uint64
	_    [56]byte
	head atomic.Uint64
	_    [56]byte
	comb atomic.Uint64
	_    [56]byte
}

// New creates a context holding up to bound pending operations. bound is
// rounded up to a power of two; a non-positive bound selects DefaultBound.
func New[W, Resp any](bound int) *Context[W, Resp] {
	if bound <= 0 {
		bound = DefaultBound
	}
	size := 1
	for size < bound {
		size <<= 1
	}
	return &Context[W, Resp]{
		slots: make([]slot[W, Resp], size),
		mask:  uint64(size - 1),
	}
}

// Bound returns the maximum number of operations in flight.
func (c *Context[W, Resp]) Bound() int { return len(c.slots) }

// Enqueue stages op. It returns false when the context already holds Bound
// operations whose responses were not consumed; the caller backs off and
// retries. Only the owning thread may call Enqueue.
func (c *Context[W, Resp]) Enqueue(op W) bool {
	t := c.tail.Load()
	h := c.head.Load()
	if t-h == uint64(len(c.slots)) {
		return false
	}
	c.slots[t&c.mask].op = op
	c.tail.Store(t + 1)
	return true
}

// Ops appends up to limit pending operations to dst and returns the grown
// slice with the number of operations taken. A non-positive limit takes all.
// Ops does not consume anything: the operations stay pending until
// EnqueueResponses posts their results. Only the combiner may call Ops.
func (c *Context[W, Resp]) Ops(dst []W, limit int) ([]W, int) {
	h := c.comb.Load()
	t := c.tail.Load()
	if h == t {
		return dst, 0
	}
	if h > t {
		panic("batch: combiner cursor beyond tail")
	}

	n := int(t - h)
	if limit > 0 && n > limit {
		n = limit
	}
	for i := range n {
		dst = append(dst, c.slots[(h+uint64(i))&c.mask].op)
	}
	return dst, n
}

// EnqueueResponses posts results for the oldest len(res) pending operations,
// in the order Ops returned them. Only the combiner may call it.
func (c *Context[W, Resp]) EnqueueResponses(res []Result[Resp]) {
	if len(res) == 0 {
		return
	}
	h := c.comb.Load()
	var zero W
	for i, r := range res {
		s := &c.slots[(h+uint64(i))&c.mask]
		s.resp = r
		s.op = zero
	}
	c.comb.Store(h + uint64(len(res)))
}

// Res returns the oldest ready response, if any. Only the owning thread may
// call Res.
func (c *Context[W, Resp]) Res() (Result[Resp], bool) {
	s := c.head.Load()
	if s == c.comb.Load() {
		return Result[Resp]{}, false
	}
	r := c.slots[s&c.mask].resp
	c.slots[s&c.mask].resp = Result[Resp]{}
	c.head.Store(s + 1)
	return r, true
}

// Pending returns the number of staged operations without a response yet.
func (c *Context[W, Resp]) Pending() int {
	return int(c.tail.Load() - c.comb.Load())
}

// Len returns the number of occupied slots: pending operations plus ready
// but unconsumed responses.
func (c *Context[W, Resp]) Len() int {
	return int(c.tail.Load() - c.head.Load())
}

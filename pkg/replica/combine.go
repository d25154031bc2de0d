package replica

import (
	"fmt"
	"sync"
	"sync/atomic"

	"noderepl/pkg/batch"
	"noderepl/pkg/metrics"
	"noderepl/pkg/oplog"
	"noderepl/pkg/types"
)

// combiner is the per-log combiner lock of a replica together with the
// scratch space only its holder may touch.
type combiner[W, Resp any] struct {
	// owner is 0 while idle, otherwise the thread id of the active combiner.
	owner atomic.Uint64
	_     [56]byte

	log int
	rid types.ReplicaID

	buffer   []W
	inflight []int
	order    []int
	results  []batch.Result[Resp]
	start    int
	apply    oplog.ApplyFunc[W]
	labels   map[string]string
}

func newCombiner[R, W Operation, Resp any](r *Replica[R, W, Resp], l int) *combiner[W, Resp] {
	c := &combiner[W, Resp]{
		log:      l,
		rid:      r.rids[l],
		buffer:   make([]W, 0, r.cfg.MaxBatch),
		inflight: make([]int, r.cfg.MaxThreads),
		order:    make([]int, 0, r.cfg.MaxThreads),
		results:  make([]batch.Result[Resp], 0, r.cfg.MaxBatch),
		labels:   map[string]string{"replica": r.name, "log": logLabel(l)},
	}
	c.apply = func(op W, origin types.ReplicaID) {
		resp, err := r.data.DispatchMut(op)
		if origin == c.rid {
			c.results = append(c.results, batch.Result[Resp]{Value: resp, Err: err})
		}
	}
	return c
}

// tryCombine makes tid the combiner of log l if nobody else is, and runs one
// combine round. It reports whether the round ran.
func (r *Replica[R, W, Resp]) tryCombine(tid types.ThreadID, l int) bool {
	c := r.combiners[l]
	if c.owner.Load() != 0 {
		return false
	}
	if !c.owner.CompareAndSwap(0, uint64(tid)) {
		return false
	}
	r.combine(tid, c)
	c.owner.Store(0)
	return true
}

// combine drains the contexts of every registered thread for the combiner's
// log, appends the batch, replays the log and posts the responses. The caller
// must hold the combiner lock.
func (r *Replica[R, W, Resp]) combine(tid types.ThreadID, c *combiner[W, Resp]) {
	if owner := c.owner.Load(); owner != uint64(tid) {
		panic(fmt.Sprintf("replica: combine by thread %d while %d holds the combiner lock", tid, owner))
	}

	c.buffer = c.buffer[:0]
	c.results = c.results[:0]
	c.order = c.order[:0]

	// rotate the starting thread so a small max batch does not starve the
	// threads registered last
	threads := int(r.next.Load())
	if threads == 0 {
		return
	}
	c.start = (c.start + 1) % threads
	for k := range threads {
		remaining := r.cfg.MaxBatch - len(c.buffer)
		if remaining <= 0 {
			break
		}
		t := (c.start + k) % threads
		var n int
		c.buffer, n = r.contexts[t][c.log].Ops(c.buffer, remaining)
		if n > 0 {
			c.inflight[t] = n
			c.order = append(c.order, t)
		}
	}

	// the rwlock guards dispatch only; it is released while waiting for log
	// space so this replica keeps consuming its other logs
	var mu sync.Locker
	if r.lock != nil {
		mu = r.lock
	}
	log := r.logs[c.log]
	if len(c.buffer) > 0 {
		if err := log.AppendLocked(c.buffer, c.rid, c.apply, mu); err != nil {
			// batches are clamped to the log capacity at construction
			panic(fmt.Sprintf("replica: append of %d ops failed: %v", len(c.buffer), err))
		}
	}
	if r.lock != nil {
		r.lock.Lock()
	}
	log.Exec(c.rid, c.apply)
	if r.lock != nil {
		r.lock.Unlock()
	}

	if len(c.results) != len(c.buffer) {
		panic(fmt.Sprintf("replica: %d responses for %d operations", len(c.results), len(c.buffer)))
	}

	off := 0
	for _, t := range c.order {
		n := c.inflight[t]
		r.contexts[t][c.log].EnqueueResponses(c.results[off : off+n])
		off += n
		c.inflight[t] = 0
	}

	r.mc.IncCounter(metrics.CombineRounds, c.labels, 1)
	if len(c.buffer) > 0 {
		r.mc.ObserveHistogram(metrics.CombineBatchSize, c.labels, float64(len(c.buffer)))
	}
}

// Package oplog implements the shared operation log: a fixed-capacity ring of
// write operations that establishes the total order every replica applies.
//
// Indices handed around by this package are logical and grow forever; the
// physical slot of logical index i is i & (capacity-1). Space is reclaimed by
// moving head up to the smallest local tail of all registered replicas, so a
// slot is only reused once every replica executed the entry it held.
//
// Mutation of the ring happens only through Append/TryAppend (writing the
// reserved slots) and Exec (advancing one replica's local tail). Callers must
// not invoke Append or Exec concurrently for the same replica id; the replica
// package guarantees this with its combiner lock.
package oplog

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"noderepl/pkg/backoff"
	"noderepl/pkg/clock"
	"noderepl/pkg/errs"
	"noderepl/pkg/metrics"
	"noderepl/pkg/types"
)

const (
	// DefaultSizeBytes is the default memory budget of a log.
	DefaultSizeBytes = 32 * 1024 * 1024

	// GCFromHead is the number of slots kept free in front of head. An append
	// that would eat into them first tries to advance head.
	GCFromHead = 8

	// WarnThreshold is the number of fruitless iterations after which a
	// waiting thread logs that some replica is not making progress.
	WarnThreshold = 1 << 28

	// MaxReplicas bounds the number of replicas sharing one log.
	MaxReplicas = 192
)

// ApplyFunc executes one log entry. origin is the replica that appended it.
type ApplyFunc[T any] func(op T, origin types.ReplicaID)

// Log is the shared operation log of one logical data structure.
type Log[T any] struct {
	id   uuid.UUID
	size uint64
	mask uint64

	slots []entry[T]

	// head is the smallest logical index that may still be unread by some
	// replica. Slots below head are free for reuse.
	head atomic.Uint64
	_    [56]byte

	// tail is the next logical index to be reserved by an appender.
	tail atomic.Uint64
	_    [56]byte

	// ctail is the largest local tail any replica has completed. Reads sync
	// against it to observe every write whose response was delivered.
	ctail clock.AtomicClock
	_     [56]byte

	// ltails[r] is the logical index up to which replica r executed the log.
	ltails [MaxReplicas]paddedTail

	next atomic.Int64

	// rlabels[r] holds the metric labels of replica r, set at registration.
	rlabels [MaxReplicas]map[string]string

	policy backoff.Policy
	logger *slog.Logger
	mc     metrics.Collector
	labels map[string]string
}

type paddedTail struct {
	atomic.Uint64
	_ [56]byte
}

type Option func(*options)

type options struct {
	policy  backoff.Policy
	logger  *slog.Logger
	metrics metrics.Collector
	name    string
}

func WithBackoff(p backoff.Policy) Option {
	return func(o *options) { o.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithName sets the "log" label used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New allocates a log using roughly sizeBytes of memory for its slots.
func New[T any](sizeBytes int, opts ...Option) *Log[T] {
	per := int(unsafe.Sizeof(entry[T]{}))
	return NewWithCapacity[T](sizeBytes/per, opts...)
}

// NewWithCapacity allocates a log holding at least entries slots. The
// capacity is rounded up to a power of two and is never below 2*GCFromHead.
func NewWithCapacity[T any](entries int, opts ...Option) *Log[T] {
	o := options{
		policy:  backoff.Default(),
		logger:  slog.Default(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	size := uint64(2 * GCFromHead)
	for size < uint64(entries) {
		size <<= 1
	}

	l := &Log[T]{
		id:     uuid.New(),
		size:   size,
		mask:   size - 1,
		slots:  make([]entry[T], size),
		policy: o.policy,
		mc:     o.metrics,
	}
	if o.name == "" {
		o.name = l.id.String()
	}
	l.labels = map[string]string{"log": o.name}
	l.logger = o.logger.With("log", o.name)

	l.logger.Debug("operation log allocated",
		"entries", size,
		"entry_bytes", unsafe.Sizeof(entry[T]{}),
	)
	return l
}

// ID returns the log's unique id.
func (l *Log[T]) ID() uuid.UUID { return l.id }

// Capacity returns the number of slots in the ring.
func (l *Log[T]) Capacity() int { return int(l.size) }

// Register hands out a replica id for a new replica of the structure.
func (l *Log[T]) Register() (types.ReplicaID, error) {
	for {
		n := l.next.Load()
		if n >= MaxReplicas {
			return 0, fmt.Errorf("register replica: %w", errs.ErrTooManyReplicas)
		}
		if !l.next.CompareAndSwap(n, n+1) {
			continue
		}
		// a late replica starts where the log currently begins; it cannot
		// replay entries that were already reclaimed.
		head := l.head.Load()
		if head > 0 {
			l.logger.Warn("replica registered after log reclaimed entries",
				"replica", n,
				"head", head,
			)
		}
		l.ltails[n].Store(head)
		l.rlabels[n] = map[string]string{"log": l.labels["log"], "replica": strconv.FormatInt(n, 10)}
		l.logger.Info("replica registered with log", "replica", n)
		return types.ReplicaID(n), nil
	}
}

// Replicas returns the number of registered replicas.
func (l *Log[T]) Replicas() int { return int(l.next.Load()) }

// Head returns the oldest logical index that is not yet reclaimed.
func (l *Log[T]) Head() types.LogIndex { return types.LogIndex(l.head.Load()) }

// Tail returns the next logical index to be reserved.
func (l *Log[T]) Tail() types.LogIndex { return types.LogIndex(l.tail.Load()) }

// CompletedTail returns the largest index some replica has fully executed.
func (l *Log[T]) CompletedTail() types.LogIndex { return types.LogIndex(l.ctail.Val()) }

// LocalTail returns the index up to which replica rid executed the log.
func (l *Log[T]) LocalTail(rid types.ReplicaID) types.LogIndex {
	return types.LogIndex(l.ltails[rid].Load())
}

// IsReplicaSyncedForReads reports whether replica rid executed every entry
// below ctail, so a read dispatched on it observes all writes before ctail.
func (l *Log[T]) IsReplicaSyncedForReads(rid types.ReplicaID, ctail types.LogIndex) bool {
	return l.ltails[rid].Load() >= uint64(ctail)
}

// Append adds ops to the log on behalf of replica rid, waiting for space when
// the ring is full. While it waits, apply is used to make progress on rid's
// own outstanding entries, since rid may be the replica holding GC back.
//
// When rid already executed everything before the reserved range, the
// appended ops are applied inline through apply and rid's local tail moves
// past them; otherwise they are applied by the next Exec.
func (l *Log[T]) Append(ops []T, rid types.ReplicaID, apply ApplyFunc[T]) error {
	return l.AppendLocked(ops, rid, apply, nil)
}

// AppendLocked is Append for appenders whose apply must run under mu. mu is
// held for each attempt and released while waiting for space, so that rid's
// replica can still consume other logs guarded by the same lock. A nil mu is
// not taken.
func (l *Log[T]) AppendLocked(ops []T, rid types.ReplicaID, apply ApplyFunc[T], mu sync.Locker) error {
	for attempt := 1; ; attempt++ {
		if mu != nil {
			mu.Lock()
		}
		_, err := l.TryAppend(ops, rid, apply)
		if mu != nil {
			mu.Unlock()
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrLogFull) {
			return err
		}
		if attempt%WarnThreshold == 0 {
			l.logger.Warn("append stalled, a replica is not consuming the log",
				"replica", rid,
				"attempts", attempt,
				"state", l.State(),
			)
		}
		l.mc.IncCounter(metrics.LogFullWaits, l.labels, 1)
		l.policy.Wait(attempt)
	}
}

// TryAppend makes one attempt to reserve space for ops. It returns the number
// of appended entries, or ErrLogFull when the reservation would overwrite
// entries some replica has not executed yet. The reservation itself is
// retried on CAS contention; only lack of space is reported.
func (l *Log[T]) TryAppend(ops []T, rid types.ReplicaID, apply ApplyFunc[T]) (int, error) {
	n := uint64(len(ops))
	if n == 0 {
		return 0, nil
	}
	if n > l.size-GCFromHead {
		return 0, fmt.Errorf("%w: %d ops, capacity %d", errs.ErrBatchTooLarge, n, l.size)
	}

	var start uint64
	for {
		tail := l.tail.Load()
		head := l.head.Load()

		if tail+n > head+l.size-GCFromHead {
			if !l.advanceHead(rid, apply) {
				return 0, errs.ErrLogFull
			}
			continue
		}

		if l.tail.CompareAndSwap(tail, tail+n) {
			start = tail
			break
		}
	}
	l.mc.SetGauge(metrics.LogTail, l.labels, float64(start+n))

	for i, op := range ops {
		idx := start + uint64(i)
		s := &l.slots[idx&l.mask]
		s.op = op
		s.origin = rid
		s.seq.Store(idx + 1)
	}

	// inline execution for the appender: nothing between our local tail and
	// the reservation is pending, so the batch is next in line.
	lt := &l.ltails[rid]
	if lt.Load() == start {
		for _, op := range ops {
			apply(op, rid)
		}
		lt.Store(start + n)
		l.ctail.Max(start + n)
	}

	return len(ops), nil
}

// advanceHead moves head up to the minimum local tail. It returns false when
// no space could be reclaimed because some replica other than rid is behind.
// When rid itself is the slowest replica it executes its outstanding entries
// first.
func (l *Log[T]) advanceHead(rid types.ReplicaID, apply ApplyFunc[T]) bool {
	for {
		// head first: published local tails never drop below it afterwards
		head := l.head.Load()
		minTail := l.minLocalTail()

		if minTail < head {
			// a replica is registering and has not stored its local tail yet
			return false
		}
		if minTail == head {
			if minTail != l.ltails[rid].Load() {
				return false
			}
			if l.Exec(rid, apply) == 0 {
				// rid is up to date with the tail but the entries are not
				// written yet; let the caller retry
				return false
			}
			continue
		}

		if l.head.CompareAndSwap(head, minTail) {
			l.mc.SetGauge(metrics.LogHead, l.labels, float64(minTail))
		}
		return true
	}
}

func (l *Log[T]) minLocalTail() uint64 {
	r := l.next.Load()
	if r == 0 {
		return l.tail.Load()
	}
	m := l.ltails[0].Load()
	for i := int64(1); i < r; i++ {
		if cur := l.ltails[i].Load(); cur < m {
			m = cur
		}
	}
	return m
}

// Exec applies every entry between rid's local tail and the current tail, in
// log order, and advances the local tail past them. Entries reserved but not
// yet written by their appender are waited for. It returns the number of
// entries executed.
func (l *Log[T]) Exec(rid types.ReplicaID, apply ApplyFunc[T]) int {
	lt := &l.ltails[rid]
	from := lt.Load()
	to := l.tail.Load()

	if from == to {
		return 0
	}
	if from > to {
		panic(fmt.Sprintf("oplog: local tail %d of replica %d is beyond tail %d", from, rid, to))
	}

	for idx := from; idx < to; idx++ {
		s := &l.slots[idx&l.mask]
		for attempt := 1; s.seq.Load() != idx+1; attempt++ {
			if attempt%WarnThreshold == 0 {
				l.logger.Warn("exec waiting for an entry to be written",
					"replica", rid,
					"index", idx,
				)
			}
			l.policy.Wait(attempt)
		}
		apply(s.op, s.origin)
	}

	lt.Store(to)
	l.ctail.Max(to)
	l.mc.SetGauge(metrics.LocalTail, l.rlabels[rid], float64(to))
	return int(to - from)
}

// Reset rewinds the log to its initial state. It is only safe while no
// thread is appending or executing, e.g. between benchmark iterations.
func (l *Log[T]) Reset() {
	var zero T
	for i := range l.slots {
		l.slots[i].seq.Store(0)
		l.slots[i].op = zero
	}
	for i := range l.ltails {
		l.ltails[i].Store(0)
	}
	l.head.Store(0)
	l.tail.Store(0)
	l.ctail.Set(0)
}

// State is a point-in-time snapshot of the log's indices for diagnostics.
// Fields are loaded one by one and may be mutually inconsistent under load.
type State struct {
	ID            string   `json:"id"`
	Capacity      uint64   `json:"capacity"`
	Head          uint64   `json:"head"`
	Tail          uint64   `json:"tail"`
	CompletedTail uint64   `json:"completed_tail"`
	LocalTails    []uint64 `json:"local_tails"`
}

func (l *Log[T]) State() State {
	st := State{
		ID:            l.labels["log"],
		Capacity:      l.size,
		Head:          l.head.Load(),
		Tail:          l.tail.Load(),
		CompletedTail: l.ctail.Val(),
	}
	r := l.next.Load()
	st.LocalTails = make([]uint64, r)
	for i := range r {
		st.LocalTails[i] = l.ltails[i].Load()
	}
	return st
}

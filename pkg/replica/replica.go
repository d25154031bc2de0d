// Package replica turns a sequential (or internally concurrent) data
// structure into a linearizable, replicated one.
//
// Every Replica owns one copy of the structure. Writes are staged in the
// calling thread's context; one thread per log becomes the combiner, drains
// the contexts, appends the batch to the shared log and replays the log on the
// local copy, posting results back. Reads never touch the log: they wait until
// the local copy has caught up with the completed tail and then dispatch
// directly.
//
// With more than one log, operations are routed by their LogMapper hash and
// each log is combined independently.
package replica

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"noderepl/pkg/backoff"
	"noderepl/pkg/batch"
	"noderepl/pkg/config"
	"noderepl/pkg/errs"
	"noderepl/pkg/metrics"
	"noderepl/pkg/oplog"
	"noderepl/pkg/rwlock"
	"noderepl/pkg/sharding"
	"noderepl/pkg/types"
)

// MaxThreadsPerReplica bounds the threads registered with one replica.
const MaxThreadsPerReplica = config.MaxThreadsPerReplica

// responseCheckInterval is how many unsuccessful polls for a response a
// waiting thread makes before trying to combine itself.
const responseCheckInterval = 64

// Replica is one copy of a replicated data structure plus the machinery that
// keeps it in sync with the shared logs.
type Replica[R, W Operation, Resp any] struct {
	id     uuid.UUID
	name   string
	cfg    config.ReplicaConfig
	data   Dispatcher[R, W, Resp]
	logs   []*oplog.Log[W]
	rids   []types.ReplicaID
	lock   *rwlock.RWLock
	policy backoff.Policy

	// contexts[thread][log], allocated up front for MaxThreads threads
	contexts [][]*batch.Context[W, Resp]
	next     atomic.Uint64
	closed   atomic.Bool

	combiners []*combiner[W, Resp]

	logger *slog.Logger
	mc     metrics.Collector
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

// WithName sets the "replica" label used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New creates a replica of data and registers it with every log. All
// replicas of a structure must be created before operations are executed.
func New[R, W Operation, Resp any](
	cfg config.ReplicaConfig,
	logs []*oplog.Log[W],
	data Dispatcher[R, W, Resp],
	opts ...Option,
) (*Replica[R, W, Resp], error) {
	if len(logs) == 0 || len(logs) > config.MaxLogs {
		return nil, fmt.Errorf("%w: %d logs", errs.ErrInvalidArgument, len(logs))
	}
	if data == nil {
		return nil, fmt.Errorf("%w: nil data structure", errs.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		policy:  backoff.Default(),
		logger:  slog.Default(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Replica[R, W, Resp]{
		id:     uuid.New(),
		cfg:    cfg,
		data:   data,
		logs:   logs,
		rids:   make([]types.ReplicaID, len(logs)),
		policy: o.policy,
		mc:     o.metrics,
	}
	r.name = o.name
	if r.name == "" {
		r.name = r.id.String()
	}
	r.logger = o.logger.With("replica", r.name)

	for i, l := range logs {
		rid, err := l.Register()
		if err != nil {
			return nil, fmt.Errorf("register with log %d: %w", i, err)
		}
		r.rids[i] = rid

		// a batch must fit into the log next to the reserved GC window
		if limit := l.Capacity() - oplog.GCFromHead; r.cfg.MaxBatch > limit {
			r.logger.Warn("max batch exceeds log capacity, clamping",
				"max_batch", r.cfg.MaxBatch,
				"limit", limit,
			)
			r.cfg.MaxBatch = limit
		}
	}

	if len(logs) == 1 || cfg.SerializeDispatch {
		r.lock = rwlock.New(cfg.MaxThreads, o.policy)
	}

	r.contexts = make([][]*batch.Context[W, Resp], cfg.MaxThreads)
	for t := range r.contexts {
		r.contexts[t] = make([]*batch.Context[W, Resp], len(logs))
		for l := range logs {
			r.contexts[t][l] = batch.New[W, Resp](cfg.MaxPendingOps)
		}
	}

	r.combiners = make([]*combiner[W, Resp], len(logs))
	for l := range logs {
		r.combiners[l] = newCombiner(r, l)
	}

	r.logger.Info("replica created",
		"logs", len(logs),
		"max_threads", cfg.MaxThreads,
		"max_pending_ops", cfg.MaxPendingOps,
		"max_batch", r.cfg.MaxBatch,
	)
	return r, nil
}

// ID returns the replica's unique id.
func (r *Replica[R, W, Resp]) ID() uuid.UUID { return r.id }

// Name returns the name used in logs and metrics.
func (r *Replica[R, W, Resp]) Name() string { return r.name }

// Logs returns the number of logs the replica combines over.
func (r *Replica[R, W, Resp]) Logs() int { return len(r.logs) }

// ReplicaID returns the id under which the replica is registered with log l.
func (r *Replica[R, W, Resp]) ReplicaID(l int) types.ReplicaID { return r.rids[l] }

// Register allocates a context slot for a new thread.
func (r *Replica[R, W, Resp]) Register() (Token, error) {
	if r.closed.Load() {
		return Token{}, errs.ErrClosed
	}
	for {
		n := r.next.Load()
		if n >= uint64(r.cfg.MaxThreads) {
			return Token{}, fmt.Errorf("replica %s: %w (%d threads)", r.name, errs.ErrRegistrationLimit, r.cfg.MaxThreads)
		}
		if r.next.CompareAndSwap(n, n+1) {
			return Token{tid: types.ThreadID(n + 1), replica: r.id}, nil
		}
	}
}

// Threads returns the number of registered threads.
func (r *Replica[R, W, Resp]) Threads() int { return int(r.next.Load()) }

// ExecuteMut executes a write operation and returns its response. The call
// returns once the operation was appended to its log and applied on this
// replica, by this thread or by a concurrent combiner.
func (r *Replica[R, W, Resp]) ExecuteMut(op W, tok Token) (Resp, error) {
	var zero Resp
	if err := r.check(tok); err != nil {
		return zero, err
	}

	l := sharding.RouteOp(op, len(r.logs))
	ctx := r.contexts[tok.slot()][l]
	for attempt := 1; !ctx.Enqueue(op); attempt++ {
		r.tryCombine(tok.tid, l)
		r.policy.Wait(attempt)
	}

	r.tryCombine(tok.tid, l)
	return r.response(tok, l)
}

// TryExecuteMut is ExecuteMut for callers that implement their own retry
// policy. It fails with ErrCombinerBusy when another thread is combining the
// operation's log, or ErrContextFull when the thread's context has no room,
// without staging the operation. Once staged, the operation is always
// executed and the call waits for its response.
func (r *Replica[R, W, Resp]) TryExecuteMut(op W, tok Token) (Resp, error) {
	var zero Resp
	if err := r.check(tok); err != nil {
		return zero, err
	}

	l := sharding.RouteOp(op, len(r.logs))
	if r.combiners[l].owner.Load() != 0 {
		return zero, errs.ErrCombinerBusy
	}
	if !r.contexts[tok.slot()][l].Enqueue(op) {
		return zero, errs.ErrContextFull
	}

	r.tryCombine(tok.tid, l)
	return r.response(tok, l)
}

// Execute executes a read-only operation against the local copy once the
// replica has applied every write completed before the call. Operations that
// span logs wait for every log, all others only for the log they route to.
func (r *Replica[R, W, Resp]) Execute(op R, tok Token) (Resp, error) {
	var zero Resp
	if err := r.check(tok); err != nil {
		return zero, err
	}

	if len(r.logs) > 1 && sharding.SpansLogs(op) {
		var ctails [config.MaxLogs]types.LogIndex
		for l, log := range r.logs {
			ctails[l] = log.CompletedTail()
		}
		for l := range r.logs {
			r.syncForReads(tok.tid, l, ctails[l])
		}
	} else {
		l := sharding.RouteOp(op, len(r.logs))
		r.syncForReads(tok.tid, l, r.logs[l].CompletedTail())
	}

	if r.lock != nil {
		r.lock.RLock(tok.slot())
		defer r.lock.RUnlock(tok.slot())
	}
	return r.data.Dispatch(op)
}

// syncForReads replays log l until the replica executed every entry below
// ctail.
func (r *Replica[R, W, Resp]) syncForReads(tid types.ThreadID, l int, ctail types.LogIndex) {
	log := r.logs[l]
	for attempt := 1; !log.IsReplicaSyncedForReads(r.rids[l], ctail); attempt++ {
		if !r.tryCombine(tid, l) {
			r.policy.Wait(attempt)
		}
	}
}

// Sync replays every entry appended to the replica's logs before the call,
// without appending anything.
func (r *Replica[R, W, Resp]) Sync(tok Token) error {
	if err := r.check(tok); err != nil {
		return err
	}
	for l, log := range r.logs {
		target := log.Tail()
		for attempt := 1; log.LocalTail(r.rids[l]) < target; attempt++ {
			if !r.tryCombine(tok.tid, l) {
				r.policy.Wait(attempt)
			}
		}
	}
	return nil
}

// Verify brings the replica up to date with every log and runs f with
// exclusive access to the local copy of the data structure. It is meant for
// tests and diagnostics.
func (r *Replica[R, W, Resp]) Verify(tok Token, f func(Dispatcher[R, W, Resp])) error {
	if err := r.check(tok); err != nil {
		return err
	}

	for _, c := range r.combiners {
		for attempt := 1; !c.owner.CompareAndSwap(0, uint64(tok.tid)); attempt++ {
			r.policy.Wait(attempt)
		}
	}
	defer func() {
		for _, c := range r.combiners {
			c.owner.Store(0)
		}
	}()
	if r.lock != nil {
		r.lock.Lock()
		defer r.lock.Unlock()
	}

	for l, c := range r.combiners {
		r.logs[l].Exec(r.rids[l], c.apply)
	}
	f(r.data)
	return nil
}

// Close marks the replica closed. Later registrations and operations fail
// with ErrClosed; operations already in flight complete.
func (r *Replica[R, W, Resp]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.logger.Info("replica closed", "threads", r.Threads())
	}
}

func (r *Replica[R, W, Resp]) check(tok Token) error {
	if r.closed.Load() {
		return errs.ErrClosed
	}
	if tok.replica != r.id || tok.tid == 0 || uint64(tok.tid) > r.next.Load() {
		return fmt.Errorf("%w: token does not belong to replica %s", errs.ErrInvalidArgument, r.name)
	}
	return nil
}

// response waits for the oldest response of tok's context on log l. The
// thread periodically tries to combine itself: the active combiner may have
// drained the contexts before this thread's operation was staged.
func (r *Replica[R, W, Resp]) response(tok Token, l int) (Resp, error) {
	ctx := r.contexts[tok.slot()][l]
	for attempt := 1; ; attempt++ {
		if res, ok := ctx.Res(); ok {
			return res.Value, res.Err
		}
		if attempt%responseCheckInterval == 0 {
			r.tryCombine(tok.tid, l)
		}
		r.policy.Wait(attempt)
	}
}

func logLabel(l int) string { return strconv.Itoa(l) }

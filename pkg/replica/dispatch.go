package replica

import "noderepl/pkg/sharding"

// Dispatcher is implemented by the data structure being replicated.
//
// Dispatch executes a read-only operation. It must not mutate the structure:
// many threads call it concurrently on the same replica.
//
// DispatchMut executes a write operation. On a replica with a single log it
// is called by one thread at a time. With several logs, one combiner per log
// may call it concurrently, for operations the LogMapper routed to different
// logs; the structure must tolerate that (or the replica must be configured
// with SerializeDispatch).
//
// Both must be deterministic in the operation: every replica applies the same
// writes in the same per-log order and must end in the same state. Errors are
// returned to the caller unchanged.
type Dispatcher[R, W, Resp any] interface {
	Dispatch(op R) (Resp, error)
	DispatchMut(op W) (Resp, error)
}

// Operation is the constraint for read and write operation types.
type Operation interface {
	sharding.LogMapper
}

package types

// ReplicaID identifies a replica registered with a log. Ids start at 0 and are
// dense, so they can index per-replica arrays directly.
type ReplicaID int

// ThreadID identifies a thread (goroutine) registered with a replica.
// Zero is reserved for "no thread"; valid ids start at 1.
type ThreadID uint64

// LogIndex is a logical, monotonically increasing position in an operation
// log. The physical slot is LogIndex modulo the log capacity.
type LogIndex uint64

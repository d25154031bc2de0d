package oplog

import (
	"sync/atomic"

	"noderepl/pkg/types"
)

// entry is one slot of the ring. seq carries the generation: after the
// payload of logical index i is written, seq holds i+1. A reader expecting
// index i treats any other value as "not written yet", which also rejects a
// slot still holding the previous lap's entry.
type entry[T any] struct {
	op     T
	origin types.ReplicaID
	seq    atomic.Uint64
}

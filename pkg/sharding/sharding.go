// Package sharding routes operations to one of several operation logs.
//
// Conflicting operations must be routed to the same log so their relative
// order is preserved. Operations that commute may land on different logs and
// are then combined independently.
package sharding

import "github.com/cespare/xxhash/v2"

// LogMapper is implemented by every read and write operation handed to a
// replica. Hash may return any value; Route reduces it modulo the number of
// logs. Returning a value already in [0, logs) skips nothing but is cheap.
type LogMapper interface {
	Hash() uint64
}

// SingleLog can be embedded by operations of structures replicated over a
// single log, where routing is irrelevant.
type SingleLog struct{}

func (SingleLog) Hash() uint64 { return 0 }

// Route maps a hash to a log index in [0, logs).
func Route(hash uint64, logs int) int {
	if logs <= 1 {
		return 0
	}
	if hash < uint64(logs) {
		return int(hash)
	}
	if logs&(logs-1) == 0 {
		return int(hash & uint64(logs-1))
	}
	return int(hash % uint64(logs))
}

// RouteOp is Route applied to an operation's Hash.
func RouteOp(op LogMapper, logs int) int {
	if logs <= 1 {
		return 0
	}
	return Route(op.Hash(), logs)
}

// HashKey hashes a byte key. Equal keys always collide, so operations on the
// same key are ordered by a single log.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Spanning is implemented by read operations that observe writes routed to
// any log, such as a length or a range scan. Their Hash only picks a log on
// replicas with a single log.
type Spanning interface {
	SpansLogs() bool
}

// SpansLogs reports whether op must be synced against every log.
func SpansLogs(op LogMapper) bool {
	s, ok := op.(Spanning)
	return ok && s.SpansLogs()
}

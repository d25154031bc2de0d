package memtable

import (
	"fmt"

	"noderepl/pkg/sharding"
)

type WriteKind uint8

const (
	OpPut WriteKind = iota + 1
	OpDelete
)

func (k WriteKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("write(%d)", uint8(k))
	}
}

// WriteOp mutates the memtable. Key and Value are shared by every replica
// the operation is applied on and must not be modified after submission.
type WriteOp struct {
	Kind  WriteKind
	Key   []byte
	Value []byte
}

// Hash routes all operations on one key to the same log.
func (op WriteOp) Hash() uint64 { return sharding.HashKey(op.Key) }

func Put(key, value []byte) WriteOp { return WriteOp{Kind: OpPut, Key: key, Value: value} }

func Delete(key []byte) WriteOp { return WriteOp{Kind: OpDelete, Key: key} }

type ReadKind uint8

const (
	OpGet ReadKind = iota + 1
	OpScan
	OpLen
)

// ReadOp queries the memtable. Get waits for the log its key routes to; Scan
// and Len read keys of every log and wait for all of them.
type ReadOp struct {
	Kind ReadKind
	// Key is the looked up key for Get and the prefix for Scan.
	Key   []byte
	Limit int
}

func (op ReadOp) Hash() uint64 {
	if op.Kind == OpLen {
		return 0
	}
	return sharding.HashKey(op.Key)
}

func (op ReadOp) SpansLogs() bool { return op.Kind != OpGet }

func Get(key []byte) ReadOp { return ReadOp{Kind: OpGet, Key: key} }

// Scan returns up to limit items whose key starts with prefix, in key order.
// A limit of 0 returns every match.
func Scan(prefix []byte, limit int) ReadOp { return ReadOp{Kind: OpScan, Key: prefix, Limit: limit} }

func Len() ReadOp { return ReadOp{Kind: OpLen} }

// Response is returned by every memtable operation. Item and Found describe
// the looked up key (for writes, the value before the write); Items holds
// scan results and Count the table length.
type Response struct {
	Item  Item
	Found bool
	Items []Item
	Count int
}

// Package memtable is an ordered in-memory key/value table that is replicated
// with pkg/replica. It is backed by a concurrent skip list, so replicas over
// several logs may apply writes to different keys in parallel.
package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"noderepl/pkg/errs"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

type concurrentSet = skipmap.FuncMap[[]byte, Item]

type Memtable struct {
	maxEntryBytes int64
	size          atomic.Int64

	underlying *concurrentSet
}

// New returns an empty table. Entries larger than maxEntryBytes are rejected;
// 0 disables the limit.
func New(maxEntryBytes int) *Memtable {
	return &Memtable{
		maxEntryBytes: int64(maxEntryBytes),
		underlying: skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Dispatch executes a read operation.
func (mt *Memtable) Dispatch(op ReadOp) (Response, error) {
	switch op.Kind {
	case OpGet:
		it, ok := mt.underlying.Load(op.Key)
		if !ok {
			return Response{}, fmt.Errorf("key %q: %w", op.Key, errs.ErrNotFound)
		}
		return Response{Item: it, Found: true}, nil
	case OpScan:
		items := mt.scan(op.Key, op.Limit)
		return Response{Items: items, Count: len(items)}, nil
	case OpLen:
		return Response{Count: mt.underlying.Len()}, nil
	default:
		return Response{}, fmt.Errorf("%w: read kind %d", errs.ErrInvalidArgument, op.Kind)
	}
}

// DispatchMut executes a write operation. Writes to one key must not run
// concurrently; the replica guarantees it by routing a key to a single log.
func (mt *Memtable) DispatchMut(op WriteOp) (Response, error) {
	switch op.Kind {
	case OpPut:
		return mt.put(op.Key, op.Value)
	case OpDelete:
		prev, ok := mt.underlying.LoadAndDelete(op.Key)
		if ok {
			mt.size.Add(-prev.size())
		}
		return Response{Item: prev, Found: ok}, nil
	default:
		return Response{}, fmt.Errorf("%w: write kind %s", errs.ErrInvalidArgument, op.Kind)
	}
}

func (mt *Memtable) put(k, v []byte) (Response, error) {
	if len(k) == 0 {
		return Response{}, fmt.Errorf("%w: empty key", errs.ErrInvalidArgument)
	}

	it := Item{Key: k, Value: v}
	if mt.maxEntryBytes > 0 && it.size() > mt.maxEntryBytes {
		return Response{}, ErrTooLargeEntry
	}

	prev, found := mt.underlying.Load(k)
	if found {
		it.Version = prev.Version + 1
		mt.size.Add(-prev.size())
	} else {
		it.Version = 1
	}
	mt.underlying.Store(k, it)
	mt.size.Add(it.size())

	return Response{Item: prev, Found: found}, nil
}

// Len returns the number of keys.
func (mt *Memtable) Len() int { return mt.underlying.Len() }

// SizeBytes returns the approximate payload size of the table.
func (mt *Memtable) SizeBytes() int64 { return mt.size.Load() }

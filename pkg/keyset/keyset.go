// Package keyset is a replicated set of integer ids backed by a concurrent
// skip list.
package keyset

import (
	"fmt"

	"github.com/zhangyunhao116/skipset"

	"noderepl/pkg/errs"
)

type Kind uint8

const (
	OpAdd Kind = iota + 1
	OpRemove
	OpContains
	OpLen
)

// Op is used for both reads (Contains, Len) and writes (Add, Remove).
type Op struct {
	Kind Kind
	ID   uint64
}

// Hash routes operations on the same id to the same log.
func (op Op) Hash() uint64 {
	if op.Kind == OpLen {
		return 0
	}
	return op.ID
}

// SpansLogs reports that Len counts ids of every log.
func (op Op) SpansLogs() bool { return op.Kind == OpLen }

func Add(id uint64) Op      { return Op{Kind: OpAdd, ID: id} }
func Remove(id uint64) Op   { return Op{Kind: OpRemove, ID: id} }
func Contains(id uint64) Op { return Op{Kind: OpContains, ID: id} }
func Len() Op               { return Op{Kind: OpLen} }

type set interface {
	Add(v uint64) bool
	Remove(v uint64) bool
	Contains(v uint64) bool
	Len() int
	Range(f func(v uint64) bool)
}

// Set answers writes and Contains with whether the id was (or is) present,
// and Len with the number of ids.
type Set struct {
	ids set
}

func New() *Set {
	return &Set{ids: skipset.New[uint64]()}
}

func (s *Set) Dispatch(op Op) (int, error) {
	switch op.Kind {
	case OpContains:
		return boolToInt(s.ids.Contains(op.ID)), nil
	case OpLen:
		return s.ids.Len(), nil
	default:
		return 0, fmt.Errorf("%w: read kind %d", errs.ErrInvalidArgument, op.Kind)
	}
}

func (s *Set) DispatchMut(op Op) (int, error) {
	switch op.Kind {
	case OpAdd:
		// skipset reports whether the id was inserted
		return boolToInt(!s.ids.Add(op.ID)), nil
	case OpRemove:
		return boolToInt(s.ids.Remove(op.ID)), nil
	default:
		return 0, fmt.Errorf("%w: write kind %d", errs.ErrInvalidArgument, op.Kind)
	}
}

// IDs returns the ids in ascending order.
func (s *Set) IDs() []uint64 {
	out := make([]uint64, 0, s.ids.Len())
	s.ids.Range(func(v uint64) bool {
		out = append(out, v)
		return true
	})
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

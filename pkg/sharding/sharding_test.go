package sharding

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

type putOp struct {
	key uint64
}

func (p putOp) Hash() uint64 { return p.key }

func TestRoute_InRangeSkipsModulo(t *testing.T) {
	for i := range 4 {
		require.Equal(t, i, Route(uint64(i), 4))
	}
	require.Equal(t, 1, Route(9, 4))
	require.Equal(t, 2, Route(11, 3))
	require.Equal(t, 0, Route(12345, 1))
	require.Equal(t, 0, Route(12345, 0))
}

func TestRouteOp_SameHashSameLog(t *testing.T) {
	a, b := putOp{key: 5}, putOp{key: 5}
	require.Equal(t, RouteOp(a, 4), RouteOp(b, 4))

	// differing hashes may diverge
	c := putOp{key: 9}
	require.NotEqual(t, RouteOp(a, 8), RouteOp(c, 8))
}

func TestSingleLog(t *testing.T) {
	type op struct{ SingleLog }
	require.Equal(t, 0, RouteOp(op{}, 16))
}

func TestHashKey_Deterministic(t *testing.T) {
	require.Equal(t, HashKey([]byte("user:1")), HashKey([]byte("user:1")))
	require.NotEqual(t, HashKey([]byte("user:1")), HashKey([]byte("user:2")))
}

func TestHashKey_Distribution(t *testing.T) {
	const (
		logs  = 4
		total = 40_000
	)
	counts := make([]int, logs)
	for i := range total {
		counts[Route(HashKey(fmt.Appendf(nil, "key-%d", i)), logs)]++
	}

	ideal := float64(total) / logs
	for l, c := range counts {
		require.LessOrEqualf(t, math.Abs(float64(c)-ideal), 0.1*ideal, "log %d got %d keys", l, c)
	}
}

type lenOp struct{ SingleLog }

func (lenOp) SpansLogs() bool { return true }

func TestSpansLogs(t *testing.T) {
	require.True(t, SpansLogs(lenOp{}))
	require.False(t, SpansLogs(putOp{key: 1}))
}

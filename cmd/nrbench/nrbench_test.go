package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencies_Result(t *testing.T) {
	var l latencies
	l.add(3*time.Millisecond, true)
	l.add(1*time.Millisecond, false)
	l.add(2*time.Millisecond, true)

	res := l.result(3, time.Second)
	require.Equal(t, 2, res.SuccessfulOps)
	require.Equal(t, 1, res.FailedOps)
	require.Equal(t, time.Millisecond, res.MinLatency)
	require.Equal(t, 3*time.Millisecond, res.MaxLatency)
	require.Equal(t, 2*time.Millisecond, res.AvgLatency)

	require.Zero(t, (&latencies{}).result(0, time.Second).AvgLatency)
}

func TestRunLog(t *testing.T) {
	res, err := runLog(context.Background(), logFlags{duration: 20 * time.Millisecond, batch: 4, sizeBytes: 1 << 12}, 3)
	require.NoError(t, err)
	require.Positive(t, res.Ops)
	require.Zero(t, res.Ops%4)
}

func TestRunReplica(t *testing.T) {
	f := replicaFlags{replicas: 2, logs: 2, duration: 20 * time.Millisecond, writeRatio: 50, keys: 64, sizeBytes: 1 << 14}
	res, err := runReplica(context.Background(), f, 4)
	require.NoError(t, err)
	require.Positive(t, res.Ops)

	_, err = runReplica(context.Background(), f, 1)
	require.Error(t, err)
}

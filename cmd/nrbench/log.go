package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/zhangyunhao116/fastrand"
	"golang.org/x/sync/errgroup"

	"noderepl/pkg/errs"
	"noderepl/pkg/oplog"
	"noderepl/pkg/types"
)

type logFlags struct {
	threads   []int
	duration  time.Duration
	batch     int
	sizeBytes int
}

// newLogCmd measures raw append throughput: every thread acts as its own
// replica, appending batches of random operations and replaying the log.
func newLogCmd() *cobra.Command {
	var f logFlags
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append throughput of a single shared log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Printf("log size %s, batch %d, %s per run\n",
				humanize.IBytes(uint64(f.sizeBytes)), f.batch, f.duration)
			for _, threads := range f.threads {
				res, err := runLog(cmd.Context(), f, threads)
				if err != nil {
					return err
				}
				printResult("log", res)
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&f.threads, "threads", []int{1, 2, 4, runtime.GOMAXPROCS(0)}, "thread counts to run")
	cmd.Flags().DurationVar(&f.duration, "duration", 2*time.Second, "duration of each run")
	cmd.Flags().IntVar(&f.batch, "batch", 8, "operations per append")
	cmd.Flags().IntVar(&f.sizeBytes, "size-bytes", oplog.DefaultSizeBytes, "log memory budget")
	return cmd
}

func runLog(ctx context.Context, f logFlags, threads int) (result, error) {
	if threads < 1 || threads > oplog.MaxReplicas {
		return result{}, fmt.Errorf("%w: %d threads", errs.ErrInvalidArgument, threads)
	}
	l := oplog.New[uint64](f.sizeBytes)
	if f.batch < 1 || f.batch > l.Capacity()-oplog.GCFromHead {
		return result{}, fmt.Errorf("%w: batch %d", errs.ErrInvalidArgument, f.batch)
	}

	rids := make([]types.ReplicaID, threads)
	for i := range rids {
		rid, err := l.Register()
		if err != nil {
			return result{}, err
		}
		rids[i] = rid
	}

	var (
		ops      atomic.Uint64
		finished atomic.Int64
		sink     atomic.Uint64
	)
	apply := func(op uint64, _ types.ReplicaID) { sink.Add(op & 1) }

	deadline := time.Now().Add(f.duration)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, rid := range rids {
		g.Go(func() error {
			batch := make([]uint64, f.batch)
			for time.Now().Before(deadline) && ctx.Err() == nil {
				for i := range batch {
					batch[i] = fastrand.Uint64()
				}
				_, err := l.TryAppend(batch, rid, apply)
				switch {
				case errors.Is(err, errs.ErrLogFull):
					l.Exec(rid, apply)
					continue
				case err != nil:
					return err
				}
				l.Exec(rid, apply)
				ops.Add(uint64(f.batch))
			}

			// keep consuming so slower threads can finish their appends
			finished.Add(1)
			for finished.Load() < int64(threads) {
				l.Exec(rid, apply)
				runtime.Gosched()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	return result{Threads: threads, Ops: ops.Load(), Duration: time.Since(start)}, nil
}

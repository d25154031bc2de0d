package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/zhangyunhao116/fastrand"
	"golang.org/x/sync/errgroup"

	"noderepl/pkg/config"
	"noderepl/pkg/errs"
	"noderepl/pkg/listener"
	"noderepl/pkg/memtable"
	"noderepl/pkg/oplog"
	"noderepl/pkg/replica"
)

type replicaFlags struct {
	threads    []int
	replicas   int
	logs       int
	duration   time.Duration
	writeRatio uint32
	keys       uint32
	sizeBytes  int
}

// newReplicaCmd runs a mixed read/write workload against replicated
// memtables, spreading the threads evenly over the replicas.
func newReplicaCmd() *cobra.Command {
	var f replicaFlags
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Mixed workload over replicated memtables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Printf("%d replicas over %d log(s) of %s, %d%% writes on %s keys\n",
				f.replicas, f.logs, humanize.IBytes(uint64(f.sizeBytes)),
				f.writeRatio, humanize.Comma(int64(f.keys)))
			for _, threads := range f.threads {
				res, err := runReplica(cmd.Context(), f, threads)
				if err != nil {
					return err
				}
				printResult("replica", res)
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&f.threads, "threads", []int{1, 2, 4, runtime.GOMAXPROCS(0)}, "total thread counts to run")
	cmd.Flags().IntVar(&f.replicas, "replicas", 2, "number of replicas")
	cmd.Flags().IntVar(&f.logs, "logs", 1, "number of logs")
	cmd.Flags().DurationVar(&f.duration, "duration", 2*time.Second, "duration of each run")
	cmd.Flags().Uint32Var(&f.writeRatio, "write-ratio", 10, "percentage of writes")
	cmd.Flags().Uint32Var(&f.keys, "keys", 10_000, "key space size")
	cmd.Flags().IntVar(&f.sizeBytes, "size-bytes", oplog.DefaultSizeBytes, "memory budget per log")
	return cmd
}

func runReplica(ctx context.Context, f replicaFlags, threads int) (result, error) {
	if f.replicas < 1 || threads < f.replicas || f.keys == 0 || f.writeRatio > 100 {
		return result{}, fmt.Errorf("%w: %d threads over %d replicas", errs.ErrInvalidArgument, threads, f.replicas)
	}

	perReplica := (threads + f.replicas - 1) / f.replicas
	cfg := config.Default().Replica
	cfg.Replicas = f.replicas
	cfg.MaxThreads = min(perReplica+1, config.MaxThreadsPerReplica)
	cfg.MaxBatch = cfg.MaxThreads * cfg.MaxPendingOps
	if perReplica+1 > cfg.MaxThreads {
		return result{}, fmt.Errorf("%w: %d threads per replica", errs.ErrRegistrationLimit, perReplica)
	}

	logs := make([]*oplog.Log[memtable.WriteOp], f.logs)
	for i := range logs {
		logs[i] = oplog.New[memtable.WriteOp](f.sizeBytes)
	}

	keys := make([][]byte, f.keys)
	for i := range keys {
		keys[i] = []byte("key-" + strconv.Itoa(i))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		rs      []*replica.Replica[memtable.ReadOp, memtable.WriteOp, memtable.Response]
		syncers []*listener.Listener[time.Time]
	)
	for range f.replicas {
		r, err := replica.New[memtable.ReadOp, memtable.WriteOp, memtable.Response](cfg, logs, memtable.New(0))
		if err != nil {
			return result{}, err
		}
		tok, err := r.Register()
		if err != nil {
			return result{}, err
		}
		s := replica.NewSyncer(r, tok, time.Millisecond)
		s.Start(runCtx)
		syncers = append(syncers, s)
		rs = append(rs, r)
	}
	defer func() {
		for _, s := range syncers {
			s.Stop()
		}
	}()

	var ops atomic.Uint64
	deadline := time.Now().Add(f.duration)
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for t := range threads {
		r := rs[t%len(rs)]
		tok, err := r.Register()
		if err != nil {
			return result{}, err
		}
		g.Go(func() error {
			val := []byte(strconv.Itoa(t))
			var n uint64
			for time.Now().Before(deadline) && gctx.Err() == nil {
				key := keys[fastrand.Uint32n(f.keys)]
				if fastrand.Uint32n(100) < f.writeRatio {
					if _, err := r.ExecuteMut(memtable.Put(key, val), tok); err != nil {
						return err
					}
				} else if _, err := r.Execute(memtable.Get(key), tok); err != nil && !errors.Is(err, errs.ErrNotFound) {
					return err
				}
				n++
			}
			ops.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	return result{Threads: threads, Ops: ops.Load(), Duration: time.Since(start)}, nil
}

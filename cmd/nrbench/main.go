package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type result struct {
	Threads  int
	Ops      uint64
	Duration time.Duration
}

func (r result) opsPerSec() float64 {
	return float64(r.Ops) / r.Duration.Seconds()
}

func printResult(name string, r result) {
	fmt.Printf("%-10s threads=%-4d ops=%-14s ops/sec=%s\n",
		name, r.Threads, humanize.Comma(int64(r.Ops)), humanize.CommafWithDigits(r.opsPerSec(), 0))
}

func main() {
	root := &cobra.Command{
		Use:           "nrbench",
		Short:         "Scalability benchmarks for the operation log and replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newLogCmd(), newReplicaCmd(), newHTTPCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

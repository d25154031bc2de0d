package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type httpResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// latencies collects per-request outcomes from concurrent workers.
type latencies struct {
	mu         sync.Mutex
	successful int
	failed     int
	samples    []time.Duration
}

func (l *latencies) add(d time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		l.successful++
	} else {
		l.failed++
	}
	l.samples = append(l.samples, d)
}

func (l *latencies) result(total int, duration time.Duration) httpResult {
	res := httpResult{
		TotalOps:      total,
		SuccessfulOps: l.successful,
		FailedOps:     l.failed,
		Duration:      duration,
	}
	if len(l.samples) == 0 {
		return res
	}

	var sum time.Duration
	res.MinLatency, res.MaxLatency = l.samples[0], l.samples[0]
	for _, lat := range l.samples {
		res.MinLatency = min(res.MinLatency, lat)
		res.MaxLatency = max(res.MaxLatency, lat)
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(l.samples))
	return res
}

type httpFlags struct {
	target      string
	ops         int
	concurrency int
}

// newHTTPCmd runs write and read rounds against a running nrkv server.
func newHTTPCmd() *cobra.Command {
	var f httpFlags
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Request throughput and latency of an nrkv server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			if !checkHealth(cmd.Context(), client, f.target) {
				return fmt.Errorf("node %s is not available", f.target)
			}

			fmt.Printf("target %s, %s ops, %d workers\n", f.target, humanize.Comma(int64(f.ops)), f.concurrency)
			printHTTPResult("writes", benchmarkHTTP(cmd.Context(), f, func(ctx context.Context, i int) bool {
				return putKey(ctx, client, f.target, benchKey(i), fmt.Sprintf("value_%d", i)) == nil
			}))
			printHTTPResult("reads", benchmarkHTTP(cmd.Context(), f, func(ctx context.Context, i int) bool {
				_, found, err := getKey(ctx, client, f.target, benchKey(i))
				return err == nil && found
			}))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.target, "target", "http://localhost:8080", "server base URL")
	cmd.Flags().IntVar(&f.ops, "ops", 10_000, "operations per round")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 16, "concurrent workers")
	return cmd
}

func benchKey(i int) string { return fmt.Sprintf("bench_key_%d", i) }

func benchmarkHTTP(ctx context.Context, f httpFlags, do func(context.Context, int) bool) httpResult {
	var (
		lat   latencies
		g     errgroup.Group
		start = time.Now()
	)
	for w := range f.concurrency {
		g.Go(func() error {
			for i := w; i < f.ops; i += f.concurrency {
				opStart := time.Now()
				ok := do(ctx, i)
				lat.add(time.Since(opStart), ok)
			}
			return nil
		})
	}
	_ = g.Wait()
	return lat.result(f.ops, time.Since(start))
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func putKey(ctx context.Context, client *http.Client, baseURL, key, value string) error {
	data := url.Values{}
	data.Set("key", key)
	data.Set("value", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+"/api/kv", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func getKey(ctx context.Context, client *http.Client, baseURL, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/kv?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, err
	}
	return result.Value, true, nil
}

func printHTTPResult(name string, r httpResult) {
	fmt.Printf("%s\n", name)
	fmt.Printf("  Total Operations: %s\n", humanize.Comma(int64(r.TotalOps)))
	fmt.Printf("  Successful: %d\n", r.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", r.FailedOps)
	fmt.Printf("  Duration: %v\n", r.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", float64(r.SuccessfulOps)/r.Duration.Seconds())
	fmt.Printf("  Avg Latency: %v\n", r.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", r.MinLatency)
	fmt.Printf("  Max Latency: %v\n", r.MaxLatency)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "noderepl/internal/http"
	"noderepl/internal/node"
	"noderepl/pkg/config"
	"noderepl/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	opts := []node.Option{node.WithLogger(slog.Default())}
	var serverOpts []httpserver.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, node.WithMetrics(metrics.NewPrometheus(reg, cfg.Metrics.Namespace)))
		serverOpts = append(serverOpts, httpserver.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	serverOpts = append(serverOpts, httpserver.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout))

	n, err := node.New(cfg, opts...)
	if err != nil {
		fmt.Printf("Failed to create node: %v\n", err)
		os.Exit(1)
	}
	// syncers outlive the signal context: in-flight requests may need them
	// until Close has collected every token
	n.Start(context.Background())

	fmt.Printf("nrkv starting: %d replicas over %d log(s) of %s each\n",
		cfg.Replica.Replicas, cfg.Log.Logs, humanize.IBytes(uint64(cfg.Log.SizeBytes)))

	server := httpserver.NewServer(n, port(&cfg), serverOpts...)
	if err := server.Start(); err != nil {
		fmt.Printf("Failed to start server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("HTTP server is running on %s\n", server.URL)
	fmt.Println("Press Ctrl+C to stop...")

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		fmt.Printf("Error stopping server: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("nrkv stopped")
}

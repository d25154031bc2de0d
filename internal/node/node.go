// Package node assembles a replicated memtable from configuration: the
// shared logs, one replica per configured copy, a pool of registered tokens
// per replica and a syncer that keeps idle replicas consuming the logs.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"noderepl/pkg/backoff"
	"noderepl/pkg/config"
	"noderepl/pkg/errs"
	"noderepl/pkg/listener"
	"noderepl/pkg/memtable"
	"noderepl/pkg/metrics"
	"noderepl/pkg/oplog"
	"noderepl/pkg/replica"
)

type kvReplica = replica.Replica[memtable.ReadOp, memtable.WriteOp, memtable.Response]

// Node serves memtable operations from a set of in-process replicas.
// Requests are spread round-robin over the replicas; each request borrows a
// registered token for its duration.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	logs     []*oplog.Log[memtable.WriteOp]
	tables   []*memtable.Memtable
	replicas []*kvReplica
	tokens   []chan replica.Token
	syncers  []*listener.Listener[time.Time]

	next   atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
}

type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics metrics.Collector
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(c metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:  slog.Default(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	policy := backoff.Spin{
		SpinIterations: cfg.Backoff.SpinIterations,
		YieldAfter:     cfg.Backoff.YieldAfter,
		MaxSleep:       cfg.Backoff.MaxSleep,
	}

	n := &Node{
		cfg:    cfg,
		logger: o.logger,
		done:   make(chan struct{}),
	}

	n.logs = make([]*oplog.Log[memtable.WriteOp], cfg.Log.Logs)
	for i := range n.logs {
		n.logs[i] = oplog.New[memtable.WriteOp](cfg.Log.SizeBytes,
			oplog.WithBackoff(policy),
			oplog.WithLogger(o.logger),
			oplog.WithMetrics(o.metrics),
			oplog.WithName(fmt.Sprintf("log-%d", i)),
		)
	}

	for i := range cfg.Replica.Replicas {
		mt := memtable.New(cfg.Memtable.MaxEntryBytes)
		r, err := replica.New[memtable.ReadOp, memtable.WriteOp, memtable.Response](
			cfg.Replica, n.logs, mt,
			replica.WithBackoff(policy),
			replica.WithLogger(o.logger),
			replica.WithMetrics(o.metrics),
			replica.WithName(fmt.Sprintf("replica-%d", i)),
		)
		if err != nil {
			return nil, fmt.Errorf("create replica %d: %w", i, err)
		}

		pool := make(chan replica.Token, cfg.Server.TokensPerReplica)
		for range cfg.Server.TokensPerReplica {
			tok, err := r.Register()
			if err != nil {
				return nil, fmt.Errorf("register token with replica %d: %w", i, err)
			}
			pool <- tok
		}

		if cfg.Replica.SyncInterval > 0 {
			tok, err := r.Register()
			if err != nil {
				return nil, fmt.Errorf("register syncer with replica %d: %w", i, err)
			}
			n.syncers = append(n.syncers, replica.NewSyncer(r, tok, cfg.Replica.SyncInterval))
		}

		n.tables = append(n.tables, mt)
		n.replicas = append(n.replicas, r)
		n.tokens = append(n.tokens, pool)
	}

	n.logger.Info("node created",
		"logs", len(n.logs),
		"log_capacity", n.logs[0].Capacity(),
		"replicas", len(n.replicas),
		"tokens_per_replica", cfg.Server.TokensPerReplica,
	)
	return n, nil
}

// Start runs the replica syncers until ctx is done or the node is closed.
func (n *Node) Start(ctx context.Context) {
	for _, s := range n.syncers {
		s.Start(ctx)
	}
}

func (n *Node) Put(ctx context.Context, key, value []byte) (memtable.Response, error) {
	return n.write(ctx, memtable.Put(key, value))
}

func (n *Node) Delete(ctx context.Context, key []byte) (memtable.Response, error) {
	return n.write(ctx, memtable.Delete(key))
}

func (n *Node) Get(ctx context.Context, key []byte) (memtable.Response, error) {
	return n.read(ctx, memtable.Get(key))
}

func (n *Node) Scan(ctx context.Context, prefix []byte, limit int) (memtable.Response, error) {
	return n.read(ctx, memtable.Scan(prefix, limit))
}

func (n *Node) Len(ctx context.Context) (int, error) {
	resp, err := n.read(ctx, memtable.Len())
	return resp.Count, err
}

func (n *Node) write(ctx context.Context, op memtable.WriteOp) (memtable.Response, error) {
	r, tok, release, err := n.acquire(ctx)
	if err != nil {
		return memtable.Response{}, err
	}
	defer release()
	return r.ExecuteMut(op, tok)
}

func (n *Node) read(ctx context.Context, op memtable.ReadOp) (memtable.Response, error) {
	r, tok, release, err := n.acquire(ctx)
	if err != nil {
		return memtable.Response{}, err
	}
	defer release()
	return r.Execute(op, tok)
}

// acquire picks the next replica round-robin and borrows one of its tokens.
func (n *Node) acquire(ctx context.Context) (*kvReplica, replica.Token, func(), error) {
	if n.closed.Load() {
		return nil, replica.Token{}, nil, errs.ErrClosed
	}

	i := int(n.next.Add(1) % uint64(len(n.replicas)))
	select {
	case tok := <-n.tokens[i]:
		return n.replicas[i], tok, func() { n.tokens[i] <- tok }, nil
	case <-n.done:
		return nil, replica.Token{}, nil, errs.ErrClosed
	case <-ctx.Done():
		return nil, replica.Token{}, nil, ctx.Err()
	}
}

// ReplicaState describes one replica for diagnostics.
type ReplicaState struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Threads    int    `json:"threads"`
	Keys       int    `json:"keys"`
	SizeBytes  int64  `json:"size_bytes"`
	FreeTokens int    `json:"free_tokens"`
}

// State is a diagnostic snapshot of the node's logs and replicas.
type State struct {
	Logs     []oplog.State  `json:"logs"`
	Replicas []ReplicaState `json:"replicas"`
}

func (n *Node) State() State {
	st := State{
		Logs:     make([]oplog.State, 0, len(n.logs)),
		Replicas: make([]ReplicaState, 0, len(n.replicas)),
	}
	for _, l := range n.logs {
		st.Logs = append(st.Logs, l.State())
	}
	for i, r := range n.replicas {
		st.Replicas = append(st.Replicas, ReplicaState{
			Name:       r.Name(),
			ID:         r.ID().String(),
			Threads:    r.Threads(),
			Keys:       n.tables[i].Len(),
			SizeBytes:  n.tables[i].SizeBytes(),
			FreeTokens: len(n.tokens[i]),
		})
	}
	return st
}

// Close waits for requests in flight, stops the syncers, brings every
// replica up to date and closes it. Later requests fail with ErrClosed.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(n.done)

	// in-flight writes may depend on the syncers to free log space, so they
	// keep running until every token is back
	held := make([][]replica.Token, len(n.replicas))
	for i, pool := range n.tokens {
		for range cap(pool) {
			held[i] = append(held[i], <-pool)
		}
	}
	for _, s := range n.syncers {
		s.Stop()
	}

	var err error
	for i, r := range n.replicas {
		if syncErr := r.Sync(held[i][0]); syncErr != nil {
			err = multierr.Append(err, fmt.Errorf("sync %s: %w", r.Name(), syncErr))
		}
		r.Close()
	}

	n.logger.Info("node closed", "replicas", len(n.replicas))
	return err
}

// Package node assembles one labeling node: its persisted state, gossip,
// election, claim service, worker loop, shard store, replication agent and
// the HTTP surface peers talk to.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baraam-commits/distributed-csv-labeler/internal/backoff"
	"github.com/baraam-commits/distributed-csv-labeler/internal/claim"
	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/config"
	"github.com/baraam-commits/distributed-csv-labeler/internal/dataset"
	"github.com/baraam-commits/distributed-csv-labeler/internal/election"
	"github.com/baraam-commits/distributed-csv-labeler/internal/gossip"
	"github.com/baraam-commits/distributed-csv-labeler/internal/labeler"
	"github.com/baraam-commits/distributed-csv-labeler/internal/replication"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
	"github.com/baraam-commits/distributed-csv-labeler/internal/state"
	"github.com/baraam-commits/distributed-csv-labeler/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// Node is a fully wired labeling node.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	state    *state.Manager
	data     *dataset.Dataset
	detector *gossip.Detector
	elector  *election.Elector
	claims   *claim.Service
	store    *shard.Store
	repl     *replication.Agent
	worker   *worker.Loop
}

type options struct {
	logger     *slog.Logger
	labeler    labeler.Labeler
	data       *dataset.Dataset
	shardClock func() time.Time
	fatal      func(error)
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLabeler replaces the rule-based labeler.
func WithLabeler(l labeler.Labeler) Option {
	return func(o *options) { o.labeler = l }
}

// WithDataset supplies the dataset instead of loading cfg.CSV.
func WithDataset(d *dataset.Dataset) Option {
	return func(o *options) { o.data = d }
}

// WithShardClock overrides the clock deciding shard buckets.
func WithShardClock(now func() time.Time) Option {
	return func(o *options) { o.shardClock = now }
}

// WithFatal replaces the handler for state persistence failures.
func WithFatal(fn func(error)) Option {
	return func(o *options) { o.fatal = fn }
}

// New validates cfg, loads the dataset and state, and wires every
// component. It does not start any loop.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.labeler == nil {
		o.labeler = labeler.Rule{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, dir := range []string{cfg.OutputDir, cfg.StateDir, cfg.ReplDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	data := o.data
	if data == nil {
		var err error
		if data, err = dataset.Load(cfg.CSV); err != nil {
			return nil, err
		}
	}

	logger := o.logger.With(slog.String("worker_id", cfg.WorkerID))
	logger.Info("dataset loaded", slog.Int("items", data.Len()), slog.String("mode", string(cfg.Mode)))

	stOpts := []state.Option{state.WithLogger(logger)}
	if o.fatal != nil {
		stOpts = append(stOpts, state.WithFatal(o.fatal))
	}
	st := state.Load(cfg.StatePath(), cfg.WorkerID, stOpts...)

	peerClient := cluster.NewClient(cfg.PeerTimeout)
	detector := gossip.NewDetector(cfg.WorkerID, cfg.Peers, peerClient,
		gossip.WithStaleAfter(cfg.StaleAfter),
		gossip.WithLogger(logger),
	)
	elector := election.New(cfg.Mode, st, detector,
		election.WithPoller(detector),
		election.WithPreferLeader(cfg.PreferLeader),
		election.WithInterval(cfg.Heartbeat),
		election.WithLogger(logger),
	)

	claims, err := claim.NewService(st, data.Len(), cfg.Batch, logger)
	if err != nil {
		return nil, err
	}

	storeOpts := []shard.Option{shard.WithRotation(cfg.ShardRotation)}
	if o.shardClock != nil {
		storeOpts = append(storeOpts, shard.WithClock(o.shardClock))
	}
	store, err := shard.NewStore(cfg.OutputDir, cfg.WorkerID, storeOpts...)
	if err != nil {
		return nil, err
	}

	repl, err := replication.NewAgent(cfg.Peers, peerClient, store, cfg.ReplDir,
		replication.WithInterval(cfg.ReplInterval),
		replication.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	loop, err := worker.New(worker.Config{
		State:    st,
		Resolver: elector,
		Peers:    detector,
		Poller:   detector,
		Local:    claims,
		Client:   cluster.NewClient(cfg.ClaimTimeout),
		Data:     data,
		Labeler:  o.labeler,
		Store:    store,
		Retry:    backoff.NewConstant(cfg.RetryDelay),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:      cfg,
		logger:   logger,
		state:    st,
		data:     data,
		detector: detector,
		elector:  elector,
		claims:   claims,
		store:    store,
		repl:     repl,
		worker:   loop,
	}, nil
}

// ID returns the node's worker id.
func (n *Node) ID() string {
	return n.cfg.WorkerID
}

// State exposes the node's state manager.
func (n *Node) State() *state.Manager {
	return n.state
}

// Elector exposes the node's election state machine.
func (n *Node) Elector() *election.Elector {
	return n.elector
}

// Worker exposes the labeling loop.
func (n *Node) Worker() *worker.Loop {
	return n.worker
}

// Store exposes the local shard store.
func (n *Node) Store() *shard.Store {
	return n.store
}

// Replicate runs one replication round and returns the fetched names.
func (n *Node) Replicate(ctx context.Context) []string {
	return n.repl.RunOnce(ctx)
}

// Run listens on the configured port and serves until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return n.Serve(ctx, ln)
}

// Serve runs the heartbeat, worker and replication loops alongside the
// HTTP surface on ln. Cancelling ctx stops every loop after its current
// operation and shuts the server down gracefully. The first loop error
// stops the others.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return n.elector.Run(gctx) })
	g.Go(func() error { return n.worker.Run(gctx) })
	g.Go(func() error { return n.repl.Run(gctx) })

	err := g.Wait()
	if cerr := n.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	n.logger.Info("node stopped", slog.Int("current_index", n.state.Snapshot().CurrentIndex))
	return err
}

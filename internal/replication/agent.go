// Package replication copies closed shards from peers.
//
// Each round the Agent asks every peer for its closed shard listing,
// unions the names, and fetches any name it does not already have (in
// the local output directory or the replicated-copy directory) and does
// not own. Downloads land in a temp file and are renamed into place, so a
// partially transferred shard is never visible under its final name.
// Closed shards are immutable, so an existing file is never fetched again
// and no conflict resolution is needed.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/exp/slices"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/metrics"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
)

const (
	DefaultInterval = 10 * time.Second

	// DefaultTransferTimeout bounds a single shard download.
	DefaultTransferTimeout = 2 * time.Minute
)

// Agent replicates peers' closed shards into a local directory.
type Agent struct {
	peers    []string
	client   *cluster.Client
	local    *shard.Store
	dir      string
	interval time.Duration
	transfer time.Duration
	logger   *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithInterval sets the pause between rounds in Run.
func WithInterval(d time.Duration) Option {
	return func(a *Agent) { a.interval = d }
}

// WithTransferTimeout bounds each shard download.
func WithTransferTimeout(d time.Duration) Option {
	return func(a *Agent) { a.transfer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// NewAgent returns an agent writing copies into dir. local is the node's
// own shard store, consulted to skip names it already holds or owns.
func NewAgent(peers []string, client *cluster.Client, local *shard.Store, dir string, opts ...Option) (*Agent, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replica dir: %w", err)
	}
	a := &Agent{
		peers:    append([]string(nil), peers...),
		client:   client,
		local:    local,
		dir:      dir,
		interval: DefaultInterval,
		transfer: DefaultTransferTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// Dir returns the replicated-copy directory.
func (a *Agent) Dir() string {
	return a.dir
}

// Have reports whether name is already present locally in either area.
func (a *Agent) Have(name string) bool {
	if a.local.Exists(name) {
		return true
	}
	_, err := os.Stat(filepath.Join(a.dir, name))
	return err == nil
}

// RunOnce performs one replication round and returns the names fetched.
// Peer failures are logged and skipped. Cancelling ctx stops the round
// between fetches; a transfer already running is allowed to finish.
func (a *Agent) RunOnce(ctx context.Context) []string {
	opCtx := context.WithoutCancel(ctx)
	listings := make(map[string][]string, len(a.peers))
	var names []string
	for _, p := range a.peers {
		files, err := a.client.Shards(opCtx, p)
		if err != nil {
			a.logger.Debug("shard listing failed", slog.String("peer", p), slog.Any("error", err))
			continue
		}
		listings[p] = files
		names = append(names, files...)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	var fetched []string
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if shard.ValidateName(name) != nil {
			a.logger.Warn("peer advertised invalid shard name", slog.String("shard", name))
			continue
		}
		if shard.OwnedBy(name, a.local.Owner()) || a.Have(name) {
			continue
		}
		for _, p := range a.peers {
			if !slices.Contains(listings[p], name) {
				continue
			}
			if err := a.Fetch(opCtx, p, name); err != nil {
				a.logger.Warn("shard fetch failed", slog.String("peer", p), slog.String("shard", name), slog.Any("error", err))
				continue
			}
			fetched = append(fetched, name)
			break
		}
	}
	return fetched
}

// Fetch copies name from peer into the replica directory. It is a no-op
// when the shard is already present locally.
func (a *Agent) Fetch(ctx context.Context, peer, name string) error {
	if err := shard.ValidateName(name); err != nil {
		return err
	}
	if a.Have(name) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.transfer)
	defer cancel()

	tmp, err := os.CreateTemp(a.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp shard: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := a.client.Pull(ctx, peer, name, tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("pull %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp shard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp shard: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(a.dir, name)); err != nil {
		return fmt.Errorf("rename shard: %w", err)
	}

	metrics.ShardsReplicated.Inc()
	a.logger.Info("replicated shard", slog.String("shard", name), slog.String("peer", peer), slog.Int64("bytes", n))
	return nil
}

// Run replicates every interval until ctx is cancelled. A round in
// progress finishes its current fetch before the loop observes ctx.
func (a *Agent) Run(ctx context.Context) error {
	for {
		a.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.interval):
		}
	}
}

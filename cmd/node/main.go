// Package main runs one labeling node. Every node in the fleet runs the
// same binary; peers find each other through the configured address list
// and elect a leader among themselves.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /ping     - Liveness probe           │
//	│    /status   - Gossip payload           │
//	│    /claim    - Range allocation         │
//	│    /shards   - Closed shard listing     │
//	│    /pull     - Shard download           │
//	│    /info     - Diagnostics              │
//	│    /metrics  - Prometheus               │
//	├─────────────────────────────────────────┤
//	│  Loops:                                 │
//	│    heartbeat   - Gossip + election      │
//	│    worker      - Claim, label, append   │
//	│    replication - Pull peers' shards     │
//	└─────────────────────────────────────────┘
//
// Every flag defaults to an environment variable (BATCH, HEARTBEAT_SEC,
// STALE_SEC, REPL_INTERVAL, PEER_TIMEOUT, CLAIM_TIMEOUT, RETRY_DELAY,
// PEERS, MODE, CSV, PORT, WORKER_ID, OUTPUT_DIR, STATE_DIR, REPL_DIR,
// SHARD_ROTATION, PREFER_LEADER, LOG_FORMAT, LOG_LEVEL).
//
// Example usage:
//
//	# forced leader plus one client
//	./node --mode server --port 8001 --peers localhost:8002 --csv data.csv
//	./node --mode client --port 8002 --peers localhost:8001 --csv data.csv
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baraam-commits/distributed-csv-labeler/internal/config"
	"github.com/baraam-commits/distributed-csv-labeler/internal/election"
	"github.com/baraam-commits/distributed-csv-labeler/internal/node"
)

// logFatal is a variable to allow mocking the fatal exit in tests.
var logFatal = func(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatal("node failed", err)
	}
}

func newRootCmd() *cobra.Command {
	cfg, envErr := config.FromEnv()
	mode := string(cfg.Mode)
	peers := strings.Join(cfg.Peers, ",")

	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Run a distributed CSV labeling node",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return fmt.Errorf("environment: %w", envErr)
			}
			cfg.Mode = election.Mode(strings.ToLower(mode))
			cfg.Peers = config.SplitPeers(peers)

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.CSV, "csv", cfg.CSV, "dataset CSV with a 'text' column")
	f.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	f.StringVar(&peers, "peers", peers, "comma separated peer addresses")
	f.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "worker identity (default hostname:port)")
	f.IntVar(&cfg.Batch, "batch", cfg.Batch, "items per claim")
	f.StringVar(&mode, "mode", mode, "leadership mode: auto, server or client")
	f.BoolVar(&cfg.PreferLeader, "prefer-leader", cfg.PreferLeader, "promote once at boot in auto mode")
	f.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "gossip and election interval")
	f.DurationVar(&cfg.StaleAfter, "stale", cfg.StaleAfter, "peer staleness window")
	f.DurationVar(&cfg.ReplInterval, "repl-interval", cfg.ReplInterval, "replication interval")
	f.DurationVar(&cfg.PeerTimeout, "peer-timeout", cfg.PeerTimeout, "status and shard request timeout")
	f.DurationVar(&cfg.ClaimTimeout, "claim-timeout", cfg.ClaimTimeout, "claim request timeout")
	f.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "backoff after an idle or failed claim")
	f.DurationVar(&cfg.ShardRotation, "shard-rotation", cfg.ShardRotation, "shard bucket width")
	f.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "directory for this node's shards")
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for the state snapshot")
	f.StringVar(&cfg.ReplDir, "repl-dir", cfg.ReplDir, "directory for replicated shards")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")

	return cmd
}

// run builds the node and serves until ctx is cancelled. A node that
// cannot load its dataset or bind its port never starts.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// Package worker runs the labeling loop every node executes regardless of
// its leadership role: find the leader, claim a range, label each item,
// append the results to the local shard, advance the watermark.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/baraam-commits/distributed-csv-labeler/internal/backoff"
	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/dataset"
	"github.com/baraam-commits/distributed-csv-labeler/internal/election"
	"github.com/baraam-commits/distributed-csv-labeler/internal/labeler"
	"github.com/baraam-commits/distributed-csv-labeler/internal/metrics"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
	"github.com/baraam-commits/distributed-csv-labeler/internal/state"
)

// errNoLeader means no reachable leader could be resolved this round.
var errNoLeader = errors.New("no reachable leader")

// Outcome describes what one Step did.
type Outcome int

const (
	// Processed means a range was claimed and labeled.
	Processed Outcome = iota
	// Idle means the leader had nothing to hand out or this node is not
	// talking to the leader; back off briefly.
	Idle
	// Unreachable means the leader could not be resolved or contacted.
	Unreachable
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Idle:
		return "idle"
	default:
		return "unreachable"
	}
}

// Resolver picks the node claims should go to.
type Resolver interface {
	Mode() election.Mode
	ResolveLeader() (string, bool)
}

// Directory maps a live peer's worker id to its address.
type Directory interface {
	AddrOf(workerID string) (string, bool)
}

// Poller refreshes peer statuses.
type Poller interface {
	PollOnce(ctx context.Context) int
}

// Claimer hands out ranges locally when this node leads.
type Claimer interface {
	Claim() (cluster.ClaimToken, error)
}

// Config wires a Loop to the rest of the node.
type Config struct {
	State    *state.Manager
	Resolver Resolver
	Peers    Directory
	Poller   Poller // optional; nil skips the per-iteration refresh
	Local    Claimer
	Client   *cluster.Client
	Data     *dataset.Dataset
	Labeler  labeler.Labeler
	Store    *shard.Store
	Retry    backoff.Strategy // delay after an idle or failed round
	Yield    time.Duration    // pause between successful rounds
	Logger   *slog.Logger
}

// Loop is the labeling worker of one node.
type Loop struct {
	cfg Config
}

// New validates cfg and returns a loop.
func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.State == nil:
		return nil, errors.New("worker: state is required")
	case cfg.Resolver == nil || cfg.Peers == nil:
		return nil, errors.New("worker: leader resolver and peer directory are required")
	case cfg.Local == nil || cfg.Client == nil:
		return nil, errors.New("worker: local claimer and client are required")
	case cfg.Data == nil || cfg.Labeler == nil || cfg.Store == nil:
		return nil, errors.New("worker: dataset, labeler and shard store are required")
	}
	if cfg.Retry == nil {
		cfg.Retry = backoff.NewConstant(500 * time.Millisecond)
	}
	if cfg.Yield <= 0 {
		cfg.Yield = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{cfg: cfg}, nil
}

// Run repeats Step until ctx is cancelled. The stop signal is only
// observed between rounds, so a claimed range is always finished. Only
// local write failures end the loop with an error.
func (l *Loop) Run(ctx context.Context) error {
	attempt := 0
	for ctx.Err() == nil {
		out, err := l.Step(ctx)
		if err != nil {
			return err
		}
		delay := l.cfg.Yield
		if out == Processed {
			attempt = 0
		} else {
			attempt++
			delay = l.cfg.Retry.Delay(attempt)
		}
		if !backoff.Sleep(ctx, delay) {
			break
		}
	}
	return nil
}

// Step performs one round: refresh peers, claim, process. Network and
// protocol answers are reported through the Outcome; the error is non-nil
// only when labeled output could not be written.
func (l *Loop) Step(ctx context.Context) (Outcome, error) {
	opCtx := context.WithoutCancel(ctx)

	if l.cfg.Poller != nil && l.cfg.Resolver.Mode() != election.ModeServer {
		l.cfg.Poller.PollOnce(opCtx)
	}

	tok, err := l.claim(opCtx)
	switch {
	case err == nil:
	case errors.Is(err, cluster.ErrNoWork), errors.Is(err, cluster.ErrNotLeader):
		l.cfg.Logger.Debug("claim deferred", slog.Any("reason", err))
		return Idle, nil
	default:
		l.cfg.Logger.Debug("claim failed", slog.Any("error", err))
		return Unreachable, nil
	}

	if err := l.ProcessRange(ctx, tok); err != nil {
		if errors.Is(err, context.Canceled) {
			return Idle, nil
		}
		return Processed, err
	}
	return Processed, nil
}

// claim routes a claim to the local partitioner or to the resolved leader.
func (l *Loop) claim(ctx context.Context) (cluster.ClaimToken, error) {
	st := l.cfg.State.Snapshot()
	if st.Role.IsLeader() && l.cfg.Resolver.Mode() != election.ModeClient {
		return l.cfg.Local.Claim()
	}

	leader, ok := l.cfg.Resolver.ResolveLeader()
	if !ok {
		return cluster.ClaimToken{}, errNoLeader
	}
	if leader == st.WorkerID {
		return l.cfg.Local.Claim()
	}
	addr, ok := l.cfg.Peers.AddrOf(leader)
	if !ok {
		return cluster.ClaimToken{}, fmt.Errorf("%w: %s has no known address", errNoLeader, leader)
	}
	return l.cfg.Client.Claim(ctx, addr)
}

// ProcessRange labels every index in tok, appends one record per item to
// the current shard and then advances the watermark to tok.End+1. The
// token's epoch is logged but not checked against the leader's current
// epoch: a late range is labeled anyway and duplicates are resolved by
// the merge step.
func (l *Loop) ProcessRange(ctx context.Context, tok cluster.ClaimToken) error {
	n := l.cfg.Data.Len()
	if tok.Start < 0 || tok.End >= n || tok.End < tok.Start {
		l.cfg.Logger.Warn("claim outside dataset, ignoring",
			slog.Int("start", tok.Start), slog.Int("end", tok.End), slog.Int("items", n))
		return nil
	}

	log := l.cfg.Logger.With(slog.Int("epoch", tok.Epoch), slog.Int("start", tok.Start), slog.Int("end", tok.End))
	log.Info("processing claim")

	self := l.cfg.State.Snapshot().WorkerID
	for idx := tok.Start; idx <= tok.End; idx++ {
		item := l.cfg.Data.At(idx)
		res, err := l.label(ctx, item.Text)
		if err != nil {
			log.Warn("abandoning claim", slog.Int("index", idx), slog.Any("error", err))
			return err
		}
		rec := shard.Record{
			ID:         item.ID,
			Index:      idx,
			Label:      res.Label,
			Confidence: res.Confidence,
			Worker:     self,
			TS:         float64(l.cfg.Store.Now().UnixNano()) / 1e9,
		}
		if err := l.cfg.Store.Append(rec); err != nil {
			return fmt.Errorf("write label for index %d: %w", idx, err)
		}
		metrics.RecordsLabeled.Inc()
	}

	err := l.cfg.State.Mutate(func(s *state.State) error {
		if tok.End+1 <= s.CurrentIndex {
			return state.ErrNoChange
		}
		s.CurrentIndex = tok.End + 1
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	metrics.Watermark.Set(float64(l.cfg.State.Snapshot().CurrentIndex))
	return nil
}

// label calls the labeler, retrying transient failures until it succeeds
// or ctx is cancelled. The call itself is never interrupted.
func (l *Loop) label(ctx context.Context, text string) (labeler.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := l.cfg.Labeler.Label(context.WithoutCancel(ctx), text)
		if err == nil {
			return res, nil
		}
		l.cfg.Logger.Debug("labeler failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		if !backoff.Sleep(ctx, l.cfg.Retry.Delay(attempt)) {
			return labeler.Result{}, context.Canceled
		}
	}
}

// Package election decides which node hands out claims.
//
// The rule is deterministic and needs no votes: among the alive peers
// plus the local node, the candidate with the lowest (current_index,
// worker_id) wins. The node that has made the least progress leads, so a
// fresh leader restarts the claim cursor from the lowest watermark it can
// see and unfinished ranges are re-issued rather than skipped.
package election

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/metrics"
	"github.com/baraam-commits/distributed-csv-labeler/internal/state"
)

// Mode selects how a node participates in leadership.
type Mode string

const (
	// ModeAuto runs the election rule every heartbeat.
	ModeAuto Mode = "auto"
	// ModeServer self-promotes once at startup and never re-evaluates.
	ModeServer Mode = "server"
	// ModeClient never leads; it only tracks the leader for routing.
	ModeClient Mode = "client"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeServer, ModeClient:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want auto, server or client)", s)
}

// Elect returns the worker id minimizing (CurrentIndex, WorkerID), or
// false when there are no candidates.
func Elect(candidates []cluster.PeerStatus) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	w := slices.MinFunc(candidates, func(a, b cluster.PeerStatus) int {
		if a.CurrentIndex != b.CurrentIndex {
			return a.CurrentIndex - b.CurrentIndex
		}
		return strings.Compare(a.WorkerID, b.WorkerID)
	})
	return w.WorkerID, true
}

// ReportedLeader returns the peer that claims leadership, preferring the
// highest epoch and then the lowest worker id, or false when no peer
// reports itself as leader.
func ReportedLeader(peers []cluster.PeerStatus) (string, bool) {
	var (
		best  cluster.PeerStatus
		found bool
	)
	for _, p := range peers {
		if !p.Leader {
			continue
		}
		if !found || p.Epoch > best.Epoch || (p.Epoch == best.Epoch && p.WorkerID < best.WorkerID) {
			best, found = p, true
		}
	}
	return best.WorkerID, found
}

// clientTarget picks where a client routes claims: a peer reporting
// leadership, else the election rule among alive peers.
func clientTarget(alive []cluster.PeerStatus) (string, bool) {
	if id, ok := ReportedLeader(alive); ok {
		return id, true
	}
	return Elect(alive)
}

// PeerSource supplies the currently alive peers.
type PeerSource interface {
	AlivePeers() []cluster.PeerStatus
}

// Poller refreshes peer statuses.
type Poller interface {
	PollOnce(ctx context.Context) int
}

// Elector is the leadership state machine of one node.
type Elector struct {
	mode         Mode
	state        *state.Manager
	peers        PeerSource
	poller       Poller
	preferLeader bool
	interval     time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Elector.
type Option func(*Elector)

// WithPoller makes Run refresh peers before every tick.
func WithPoller(p Poller) Option {
	return func(e *Elector) { e.poller = p }
}

// WithPreferLeader makes an auto-mode node promote itself once at boot.
func WithPreferLeader(v bool) Option {
	return func(e *Elector) { e.preferLeader = v }
}

// WithInterval sets the heartbeat interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(e *Elector) { e.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Elector) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Elector) { e.logger = l }
}

// New creates an elector for the node whose state is st.
func New(mode Mode, st *state.Manager, peers PeerSource, opts ...Option) *Elector {
	e := &Elector{
		mode:     mode,
		state:    st,
		peers:    peers,
		interval: time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Mode returns the configured mode.
func (e *Elector) Mode() Mode {
	return e.mode
}

// Self returns the local node's status as a candidate.
func (e *Elector) Self() cluster.PeerStatus {
	st := e.state.Snapshot()
	return cluster.PeerStatus{
		WorkerID:     st.WorkerID,
		CurrentIndex: st.CurrentIndex,
		Epoch:        st.Epoch,
		Leader:       st.Role.IsLeader(),
		TS:           unixSeconds(e.now()),
	}
}

// ResolveLeader returns the worker id this node should send claims to.
// It recomputes the election instead of trusting the last decision so a
// follower reroutes as soon as gossip changes.
func (e *Elector) ResolveLeader() (string, bool) {
	switch e.mode {
	case ModeServer:
		return e.state.Snapshot().WorkerID, true
	case ModeClient:
		if id, ok := clientTarget(e.peers.AlivePeers()); ok {
			return id, true
		}
		st := e.state.Snapshot()
		return st.KnownLeader, st.KnownLeader != ""
	default:
		return Elect(append(e.peers.AlivePeers(), e.Self()))
	}
}

// Boot applies the startup transitions: a server-mode node takes forced
// leadership and an auto-mode node with prefer-leader promotes itself.
func (e *Elector) Boot() error {
	switch {
	case e.mode == ModeServer:
		return e.Tick()
	case e.mode == ModeAuto && e.preferLeader:
		err := e.state.Mutate(func(s *state.State) error {
			s.Role = state.RoleLeader
			s.Epoch++
			s.NextIndex = s.CurrentIndex
			s.KnownLeader = s.WorkerID
			s.LastHeartbeat = unixSeconds(e.now())
			return nil
		})
		if err == nil {
			st := e.state.Snapshot()
			e.logger.Info("prefer-leader boot", slog.Int("epoch", st.Epoch), slog.Int("next_index", st.NextIndex))
		}
		e.observe()
		return err
	}
	return nil
}

// Tick evaluates the state machine once.
func (e *Elector) Tick() error {
	var err error
	switch e.mode {
	case ModeServer:
		err = e.tickServer()
	case ModeClient:
		err = e.tickClient()
	default:
		err = e.tickAuto()
	}
	e.observe()
	return err
}

func (e *Elector) tickAuto() error {
	alive := e.peers.AlivePeers()
	winner, _ := Elect(append(alive, e.Self()))

	var promoted, demoted bool
	err := e.state.Mutate(func(s *state.State) error {
		if winner == s.WorkerID {
			if s.Role.IsLeader() {
				return state.ErrNoChange
			}
			next := s.CurrentIndex
			for _, p := range alive {
				next = min(next, p.CurrentIndex)
			}
			s.Role = state.RoleLeader
			s.Epoch++
			s.NextIndex = next
			s.KnownLeader = s.WorkerID
			s.LastHeartbeat = unixSeconds(e.now())
			promoted = true
			return nil
		}
		if !s.Role.IsLeader() && s.KnownLeader == winner {
			return state.ErrNoChange
		}
		demoted = s.Role.IsLeader()
		s.Role = state.RoleFollower
		s.KnownLeader = winner
		s.LastHeartbeat = unixSeconds(e.now())
		return nil
	})
	if err != nil {
		return err
	}

	st := e.state.Snapshot()
	switch {
	case promoted:
		e.logger.Info("promoted to leader",
			slog.String("worker_id", st.WorkerID),
			slog.Int("epoch", st.Epoch),
			slog.Int("next_index", st.NextIndex),
			slog.Int("alive_peers", len(alive)),
		)
	case demoted:
		e.logger.Info("demoted to follower", slog.String("worker_id", st.WorkerID), slog.String("winner", winner))
	}
	return nil
}

func (e *Elector) tickServer() error {
	var promoted bool
	err := e.state.Mutate(func(s *state.State) error {
		if s.Role == state.RoleForcedLeader {
			return state.ErrNoChange
		}
		if !s.Role.IsLeader() {
			s.Epoch++
			s.NextIndex = s.CurrentIndex
			promoted = true
		}
		s.Role = state.RoleForcedLeader
		s.KnownLeader = s.WorkerID
		s.LastHeartbeat = unixSeconds(e.now())
		return nil
	})
	if err == nil && promoted {
		st := e.state.Snapshot()
		e.logger.Info("manual leader", slog.String("worker_id", st.WorkerID), slog.Int("epoch", st.Epoch), slog.Int("next_index", st.NextIndex))
	}
	return err
}

func (e *Elector) tickClient() error {
	winner, _ := clientTarget(e.peers.AlivePeers())
	return e.state.Mutate(func(s *state.State) error {
		if s.Role == state.RoleFollower && (winner == "" || s.KnownLeader == winner) {
			return state.ErrNoChange
		}
		s.Role = state.RoleFollower
		if winner != "" {
			s.KnownLeader = winner
		}
		s.LastHeartbeat = unixSeconds(e.now())
		return nil
	})
}

// Run is the heartbeat loop: refresh gossip, then tick, every interval
// until ctx is cancelled. A server-mode node does not poll peers.
func (e *Elector) Run(ctx context.Context) error {
	if err := e.Boot(); err != nil {
		return err
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if e.poller != nil && e.mode != ModeServer {
			e.poller.PollOnce(ctx)
		}
		if err := e.Tick(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Elector) observe() {
	st := e.state.Snapshot()
	metrics.ObserveState(st.Epoch, st.CurrentIndex, st.NextIndex, st.Role.IsLeader())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

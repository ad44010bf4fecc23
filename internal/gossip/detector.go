// Package gossip implements pull-based peer status exchange and passive
// failure detection.
//
// Every round the Detector asks each configured peer address for its
// status. Successful answers are recorded under the worker id the peer
// reports, since addresses and identities are decoupled. Failed polls are
// dropped; a peer that stops answering simply ages out of AlivePeers once
// its last successful poll is older than the staleness window. There is
// no explicit "peer is dead" event.
package gossip

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/metrics"
)

// DefaultStaleAfter matches the original STALE_SEC default.
const DefaultStaleAfter = 5 * time.Second

// PeerRecord is the last successful observation of a peer.
type PeerRecord struct {
	Status   cluster.PeerStatus // Reported payload
	Addr     string             // Address the payload was fetched from
	LastSeen time.Time          // Local receive time
}

// FetchFunc retrieves the status of the peer at addr.
type FetchFunc func(ctx context.Context, addr string) (cluster.PeerStatus, error)

// Detector tracks peer liveness from periodic status polls.
// Thread-safe: all methods are safe for concurrent access.
type Detector struct {
	peers      []string
	self       string
	fetch      FetchFunc
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	records map[string]*PeerRecord // keyed by reported worker id
}

// Option configures a Detector.
type Option func(*Detector)

// WithStaleAfter sets how long a peer stays alive after its last
// successful poll.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Detector) { g.staleAfter = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Detector) { g.now = now }
}

// WithFetchFunc overrides how statuses are fetched.
func WithFetchFunc(fn FetchFunc) Option {
	return func(g *Detector) { g.fetch = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Detector) { g.logger = l }
}

// NewDetector creates a detector polling peers through client. Statuses
// reporting self as their worker id are ignored, so a peer list that
// includes the local node is harmless.
func NewDetector(self string, peers []string, client *cluster.Client, opts ...Option) *Detector {
	g := &Detector{
		peers:      append([]string(nil), peers...),
		self:       self,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		records:    make(map[string]*PeerRecord),
	}
	if client != nil {
		g.fetch = client.Status
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Peers returns the configured peer addresses.
func (g *Detector) Peers() []string {
	return append([]string(nil), g.peers...)
}

// PollOnce polls every peer concurrently and returns the number that
// answered. Each poll is bounded by the fetch function's own timeout, so a
// dead peer delays only its own goroutine.
func (g *Detector) PollOnce(ctx context.Context) int {
	var (
		eg errgroup.Group
		mu sync.Mutex
		ok int
	)
	for _, addr := range g.peers {
		addr := addr
		eg.Go(func() error {
			st, err := g.fetch(ctx, addr)
			if err != nil {
				metrics.GossipPolls.WithLabelValues("error").Inc()
				g.logger.Debug("peer status poll failed", slog.String("peer", addr), slog.Any("error", err))
				return nil
			}
			metrics.GossipPolls.WithLabelValues("ok").Inc()
			g.record(addr, st)
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	metrics.AlivePeers.Set(float64(len(g.AlivePeers())))
	return ok
}

func (g *Detector) record(addr string, st cluster.PeerStatus) {
	if st.WorkerID == "" || st.WorkerID == g.self {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[st.WorkerID] = &PeerRecord{
		Status:   st,
		Addr:     addr,
		LastSeen: g.now(),
	}
}

// AlivePeers returns the statuses of peers seen within the staleness
// window, ordered by worker id.
func (g *Detector) AlivePeers() []cluster.PeerStatus {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]cluster.PeerStatus, 0, len(g.records))
	for _, r := range g.records {
		if now.Sub(r.LastSeen) <= g.staleAfter {
			out = append(out, r.Status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// AddrOf returns the address a live peer was last reached at.
func (g *Detector) AddrOf(workerID string) (string, bool) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.records[workerID]
	if !ok || now.Sub(r.LastSeen) > g.staleAfter {
		return "", false
	}
	return r.Addr, true
}

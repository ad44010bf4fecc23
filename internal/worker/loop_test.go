package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraam-commits/distributed-csv-labeler/internal/backoff"
	"github.com/baraam-commits/distributed-csv-labeler/internal/claim"
	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/dataset"
	"github.com/baraam-commits/distributed-csv-labeler/internal/election"
	"github.com/baraam-commits/distributed-csv-labeler/internal/labeler"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
	"github.com/baraam-commits/distributed-csv-labeler/internal/state"
)

type noPeers struct{}

func (noPeers) AlivePeers() []cluster.PeerStatus { return nil }
func (noPeers) AddrOf(string) (string, bool) { return "", false }
func (noPeers) PollOnce(context.Context) int { return 0 }

// staticLeader routes every claim to one remote node.
type staticLeader struct {
	id, addr string
}

func (s staticLeader) Mode() election.Mode { return election.ModeClient }
func (s staticLeader) ResolveLeader() (string, bool) { return s.id, s.id != "" }
func (s staticLeader) AddrOf(id string) (string, bool) {
	if id == s.id && s.addr != "" {
		return s.addr, true
	}
	return "", false
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("what is item %d?", i)
	}
	return out
}

type fixture struct {
	st    *state.Manager
	store *shard.Store
	data  *dataset.Dataset
}

func newFixture(t *testing.T, id string, items int) fixture {
	t.Helper()
	dir := t.TempDir()
	st := state.Load(filepath.Join(dir, "state.json"), id)
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	store, err := shard.NewStore(filepath.Join(dir, "out"), id, shard.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return fixture{st: st, store: store, data: dataset.New(texts(items))}
}

func (f fixture) records(t *testing.T) []shard.Record {
	t.Helper()
	recs, err := shard.ReadFile(filepath.Join(f.store.Dir(), f.store.CurrentName()))
	require.NoError(t, err)
	return recs
}

func fastRetry() backoff.Strategy { return backoff.NewConstant(time.Millisecond) }

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// TestSingleServerNode drains a 10 item dataset with batch 4 through the
// in-process claim path.
func TestSingleServerNode(t *testing.T) {
	f := newFixture(t, "n1:8001", 10)
	el := election.New(election.ModeServer, f.st, noPeers{})
	require.NoError(t, el.Boot())
	svc, err := claim.NewService(f.st, f.data.Len(), 4, nil)
	require.NoError(t, err)

	loop, err := New(Config{
		State: f.st, Resolver: el, Peers: noPeers{}, Local: svc,
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: labeler.Rule{}, Store: f.store, Retry: fastRetry(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := loop.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, Processed, out)
	}
	out, err := loop.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, out)

	assert.Equal(t, 10, f.st.Snapshot().CurrentIndex)

	recs := f.records(t)
	require.Len(t, recs, 10)
	ids := map[string]bool{}
	for i, r := range recs {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, "n1:8001", r.Worker)
		assert.Equal(t, "search", r.Label)
		ids[r.ID] = true
	}
	assert.Len(t, ids, 10)
}

// leaderServer hands out [0,2] then answers with the queued status codes.
func leaderServer(t *testing.T, codes ...int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	first := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/claim", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			json.NewEncoder(w).Encode(cluster.ClaimToken{Epoch: 3, Start: 0, End: 2})
			return
		}
		code := http.StatusNoContent
		if len(codes) > 0 {
			code, codes = codes[0], codes[1:]
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFollowerClaimsFromRemoteLeader(t *testing.T) {
	srv := leaderServer(t, http.StatusLocked, http.StatusNoContent, http.StatusInternalServerError)
	f := newFixture(t, "f:8002", 5)
	leader := staticLeader{id: "l:8001", addr: strings.TrimPrefix(srv.URL, "http://")}
	svc, err := claim.NewService(f.st, f.data.Len(), 4, nil)
	require.NoError(t, err)

	loop, err := New(Config{
		State: f.st, Resolver: leader, Peers: leader, Local: svc,
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: labeler.Rule{}, Store: f.store, Retry: fastRetry(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, want := range []Outcome{Processed, Idle, Idle, Unreachable} {
		out, err := loop.Step(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}

	assert.Len(t, f.records(t), 3)
	assert.Equal(t, 3, f.st.Snapshot().CurrentIndex)
}

func TestNoResolvableLeader(t *testing.T) {
	f := newFixture(t, "f:8002", 5)
	svc, err := claim.NewService(f.st, f.data.Len(), 4, nil)
	require.NoError(t, err)

	for _, r := range []staticLeader{{}, {id: "ghost:9"}} {
		loop, err := New(Config{
			State: f.st, Resolver: r, Peers: r, Local: svc,
			Client: cluster.NewClient(time.Second), Data: f.data,
			Labeler: labeler.Rule{}, Store: f.store,
		})
		require.NoError(t, err)
		out, err := loop.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Unreachable, out)
	}
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	f := newFixture(t, "n1:8001", 10)
	require.NoError(t, f.st.Mutate(func(s *state.State) error {
		s.CurrentIndex = 8
		return nil
	}))
	loop, err := New(Config{
		State: f.st, Resolver: staticLeader{}, Peers: noPeers{}, Local: noClaims{},
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: labeler.Rule{}, Store: f.store,
	})
	require.NoError(t, err)

	require.NoError(t, loop.ProcessRange(context.Background(), cluster.ClaimToken{Epoch: 1, Start: 0, End: 3}))
	assert.Equal(t, 8, f.st.Snapshot().CurrentIndex)
	assert.Len(t, f.records(t), 4)
}

func TestOutOfRangeClaimIgnored(t *testing.T) {
	f := newFixture(t, "n1:8001", 3)
	loop, err := New(Config{
		State: f.st, Resolver: staticLeader{}, Peers: noPeers{}, Local: noClaims{},
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: labeler.Rule{}, Store: f.store,
	})
	require.NoError(t, err)

	require.NoError(t, loop.ProcessRange(context.Background(), cluster.ClaimToken{Start: 2, End: 7}))
	assert.Equal(t, 0, f.st.Snapshot().CurrentIndex)
}

func TestLabelerRetried(t *testing.T) {
	f := newFixture(t, "n1:8001", 2)
	var calls atomic.Int32
	flaky := labeler.Func(func(ctx context.Context, text string) (labeler.Result, error) {
		if calls.Add(1) == 1 {
			return labeler.Result{}, errors.New("rate limited")
		}
		return labeler.Rule{}.Label(ctx, text)
	})
	loop, err := New(Config{
		State: f.st, Resolver: staticLeader{}, Peers: noPeers{}, Local: noClaims{},
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: flaky, Store: f.store, Retry: fastRetry(),
	})
	require.NoError(t, err)

	require.NoError(t, loop.ProcessRange(context.Background(), cluster.ClaimToken{Start: 0, End: 1}))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, f.st.Snapshot().CurrentIndex)
}

func TestLabelerFailureLeavesWatermark(t *testing.T) {
	f := newFixture(t, "n1:8001", 2)
	broken := labeler.Func(func(context.Context, string) (labeler.Result, error) {
		return labeler.Result{}, errors.New("down")
	})
	loop, err := New(Config{
		State: f.st, Resolver: staticLeader{}, Peers: noPeers{}, Local: noClaims{},
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: broken, Store: f.store, Retry: fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = loop.ProcessRange(ctx, cluster.ClaimToken{Start: 0, End: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.st.Snapshot().CurrentIndex)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, "n1:8001", 3)
	loop, err := New(Config{
		State: f.st, Resolver: staticLeader{}, Peers: noPeers{}, Local: noClaims{},
		Client: cluster.NewClient(time.Second), Data: f.data,
		Labeler: labeler.Rule{}, Store: f.store, Retry: fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type noClaims struct{}

func (noClaims) Claim() (cluster.ClaimToken, error) { return cluster.ClaimToken{}, cluster.ErrNoWork }

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "processed", Processed.String())
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "unreachable", Unreachable.String())
}

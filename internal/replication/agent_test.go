package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
)

// fakePeer serves a fixed set of shards over /shards and /pull.
type fakePeer struct {
	*httptest.Server
	files   map[string][]byte
	failing atomic.Bool

	mu    sync.Mutex
	pulls map[string]int
}

func newFakePeer(t *testing.T, files map[string][]byte) *fakePeer {
	t.Helper()
	p := &fakePeer{files: files, pulls: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/shards", func(w http.ResponseWriter, _ *http.Request) {
		names := make([]string, 0, len(p.files))
		for n := range p.files {
			names = append(names, n)
		}
		json.NewEncoder(w).Encode(cluster.ShardList{Files: names})
	})
	mux.HandleFunc("/pull", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		p.mu.Lock()
		p.pulls[name]++
		p.mu.Unlock()
		if p.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		data, ok := p.files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *fakePeer) pullCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulls[name]
}

func newAgent(t *testing.T, peers ...string) (*Agent, *shard.Store) {
	t.Helper()
	local, err := shard.NewStore(t.TempDir(), "self:8001")
	require.NoError(t, err)
	a, err := NewAgent(peers, cluster.NewClient(time.Second), local, t.TempDir())
	require.NoError(t, err)
	return a, local
}

const (
	shardB = "labels_b_8001_20250301T1400.jsonl"
	shardC = "labels_c_8001_20250301T1401.jsonl"
	shardS = "labels_self_8001_20250301T1400.jsonl"
)

func TestRunOnceFetchesMissingShards(t *testing.T) {
	peer := newFakePeer(t, map[string][]byte{
		shardB: []byte(`{"id":"x","idx":1}` + "\n"),
		shardS: []byte(`{"id":"own"}` + "\n"),
	})
	a, _ := newAgent(t, peer.URL)

	fetched := a.RunOnce(context.Background())
	assert.Equal(t, []string{shardB}, fetched)

	data, err := os.ReadFile(filepath.Join(a.Dir(), shardB))
	require.NoError(t, err)
	assert.Equal(t, peer.files[shardB], data)

	assert.Zero(t, peer.pullCount(shardS), "own shards are never pulled")
}

// TestRunOnceIsIdempotent covers the replication idempotence property.
func TestRunOnceIsIdempotent(t *testing.T) {
	peer := newFakePeer(t, map[string][]byte{shardB: []byte("data\n")})
	a, _ := newAgent(t, peer.URL)

	require.Len(t, a.RunOnce(context.Background()), 1)
	assert.Empty(t, a.RunOnce(context.Background()))
	assert.Equal(t, 1, peer.pullCount(shardB))

	require.NoError(t, a.Fetch(context.Background(), peer.URL, shardB))
	assert.Equal(t, 1, peer.pullCount(shardB))
}

func TestRunOnceSkipsShardsInOutputDir(t *testing.T) {
	peer := newFakePeer(t, map[string][]byte{shardB: []byte("data\n")})
	a, local := newAgent(t, peer.URL)
	require.NoError(t, os.WriteFile(filepath.Join(local.Dir(), shardB), []byte("data\n"), 0o644))

	assert.Empty(t, a.RunOnce(context.Background()))
	assert.Zero(t, peer.pullCount(shardB))
}

// TestSameShardFromTwoPeersIsIdentical pulls one shard via two different
// peers into two agents and compares the bytes.
func TestSameShardFromTwoPeersIsIdentical(t *testing.T) {
	content := []byte(`{"id":"a"}` + "\n" + `{"id":"b"}` + "\n")
	p1 := newFakePeer(t, map[string][]byte{shardC: content})
	p2 := newFakePeer(t, map[string][]byte{shardC: content})

	a1, _ := newAgent(t, p1.URL)
	a2, _ := newAgent(t, p2.URL)
	a1.RunOnce(context.Background())
	a2.RunOnce(context.Background())

	d1, err := os.ReadFile(filepath.Join(a1.Dir(), shardC))
	require.NoError(t, err)
	d2, err := os.ReadFile(filepath.Join(a2.Dir(), shardC))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestRunOnceFallsBackToNextPeer(t *testing.T) {
	bad := newFakePeer(t, map[string][]byte{shardB: []byte("x\n")})
	bad.failing.Store(true)
	good := newFakePeer(t, map[string][]byte{shardB: []byte("x\n")})
	a, _ := newAgent(t, bad.URL, good.URL)

	assert.Equal(t, []string{shardB}, a.RunOnce(context.Background()))
	assert.Equal(t, 1, bad.pullCount(shardB))
	assert.Equal(t, 1, good.pullCount(shardB))

	entries, err := os.ReadDir(a.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "failed transfer leaves no temp file")
}

func TestRunOnceToleratesDeadPeer(t *testing.T) {
	good := newFakePeer(t, map[string][]byte{shardB: []byte("x\n")})
	a, _ := newAgent(t, "127.0.0.1:1", good.URL)
	assert.Equal(t, []string{shardB}, a.RunOnce(context.Background()))
}

func TestRunOnceRejectsTraversalNames(t *testing.T) {
	peer := newFakePeer(t, map[string][]byte{"../../evil.jsonl": []byte("x")})
	a, _ := newAgent(t, peer.URL)
	assert.Empty(t, a.RunOnce(context.Background()))
	assert.Zero(t, peer.pullCount("../../evil.jsonl"))
}

func TestRunStopsOnCancel(t *testing.T) {
	peer := newFakePeer(t, map[string][]byte{shardB: []byte("x\n")})
	local, err := shard.NewStore(t.TempDir(), "self:8001")
	require.NoError(t, err)
	a, err := NewAgent([]string{peer.URL}, cluster.NewClient(time.Second), local, t.TempDir(), WithInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool { return a.Have(shardB) }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

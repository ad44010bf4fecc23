package claim

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/state"
)

func leaderState(t *testing.T, next int) *state.Manager {
	t.Helper()
	m := state.Load(filepath.Join(t.TempDir(), "state.json"), "leader:8001")
	require.NoError(t, m.Mutate(func(s *state.State) error {
		s.Role = state.RoleLeader
		s.Epoch = 1
		s.NextIndex = next
		return nil
	}))
	return m
}

func TestNewServiceValidation(t *testing.T) {
	st := leaderState(t, 0)
	_, err := NewService(st, 10, 0, nil)
	assert.Error(t, err)
	_, err = NewService(st, -1, 4, nil)
	assert.Error(t, err)
}

// TestClaimSequence is the single-node scenario: 10 items, batch 4.
func TestClaimSequence(t *testing.T) {
	svc, err := NewService(leaderState(t, 0), 10, 4, nil)
	require.NoError(t, err)

	want := []cluster.ClaimToken{
		{Epoch: 1, Start: 0, End: 3},
		{Epoch: 1, Start: 4, End: 7},
		{Epoch: 1, Start: 8, End: 9},
	}
	for _, w := range want {
		tok, err := svc.Claim()
		require.NoError(t, err)
		assert.Equal(t, w, tok)
	}

	for i := 0; i < 3; i++ {
		_, err := svc.Claim()
		assert.ErrorIs(t, err, cluster.ErrNoWork)
	}
}

func TestClaimNotLeader(t *testing.T) {
	m := state.Load(filepath.Join(t.TempDir(), "state.json"), "f")
	svc, err := NewService(m, 10, 4, nil)
	require.NoError(t, err)

	_, err = svc.Claim()
	assert.ErrorIs(t, err, cluster.ErrNotLeader)
	assert.Zero(t, m.Snapshot().NextIndex)
}

func TestClaimEmptyDataset(t *testing.T) {
	svc, err := NewService(leaderState(t, 0), 0, 4, nil)
	require.NoError(t, err)
	_, err = svc.Claim()
	assert.ErrorIs(t, err, cluster.ErrNoWork)
}

func TestClaimPersistsCursor(t *testing.T) {
	st := leaderState(t, 0)
	svc, err := NewService(st, 100, 16, nil)
	require.NoError(t, err)
	_, err = svc.Claim()
	require.NoError(t, err)

	assert.Equal(t, 16, state.Load(st.Path(), "leader:8001").Snapshot().NextIndex)
}

// TestConcurrentClaimsPartitionIndexSpace checks claim disjointness under
// concurrent callers: the granted ranges tile [0, N) exactly.
func TestConcurrentClaimsPartitionIndexSpace(t *testing.T) {
	const total, batch = 1000, 7
	svc, err := NewService(leaderState(t, 0), total, batch, nil)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		tokens []cluster.ClaimToken
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tok, err := svc.Claim()
				if err != nil {
					return
				}
				mu.Lock()
				tokens = append(tokens, tok)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Start < tokens[j].Start })
	next := 0
	for _, tok := range tokens {
		require.Equal(t, next, tok.Start, "gap or overlap at %d", next)
		require.LessOrEqual(t, tok.Len(), batch)
		next = tok.End + 1
	}
	assert.Equal(t, total, next)
}

// TestClaimsIncreaseWithinEpoch checks sequential claims come back ordered.
func TestClaimsIncreaseWithinEpoch(t *testing.T) {
	svc, err := NewService(leaderState(t, 5), 50, 3, nil)
	require.NoError(t, err)

	prevEnd := 4
	for {
		tok, err := svc.Claim()
		if err != nil {
			require.ErrorIs(t, err, cluster.ErrNoWork)
			break
		}
		assert.Equal(t, prevEnd+1, tok.Start)
		assert.GreaterOrEqual(t, tok.End, tok.Start)
		prevEnd = tok.End
	}
	assert.Equal(t, 49, prevEnd)
}

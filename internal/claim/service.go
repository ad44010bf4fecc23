// Package claim implements the leader-side work partitioner.
//
// The index space [0, N) is handed out in contiguous batches from the
// leader's cursor. Reading the cursor, advancing it and persisting the
// new value happen inside one state mutation, so concurrent claims never
// overlap within an epoch.
package claim

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/metrics"
	"github.com/baraam-commits/distributed-csv-labeler/internal/state"
)

// Service allocates claim ranges from a node's state.
type Service struct {
	state  *state.Manager
	total  int
	batch  int
	logger *slog.Logger
}

// NewService returns a partitioner over total items in batches of batch.
func NewService(st *state.Manager, total, batch int, logger *slog.Logger) (*Service, error) {
	if batch < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batch)
	}
	if total < 0 {
		return nil, fmt.Errorf("dataset size must not be negative, got %d", total)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{state: st, total: total, batch: batch, logger: logger}, nil
}

// Total returns the dataset size the service partitions.
func (s *Service) Total() int {
	return s.total
}

// Claim grants the next range. It returns cluster.ErrNotLeader when the
// node is not leading and cluster.ErrNoWork once the cursor reaches N.
func (s *Service) Claim() (cluster.ClaimToken, error) {
	var tok cluster.ClaimToken
	err := s.state.Mutate(func(st *state.State) error {
		if !st.Role.IsLeader() {
			return cluster.ErrNotLeader
		}
		start := st.NextIndex
		if start >= s.total {
			return cluster.ErrNoWork
		}
		end := min(s.total-1, start+s.batch-1)
		st.NextIndex = end + 1
		tok = cluster.ClaimToken{Epoch: st.Epoch, Start: start, End: end}
		return nil
	})

	switch {
	case err == nil:
		metrics.ClaimsTotal.WithLabelValues("granted").Inc()
		metrics.NextIndex.Set(float64(tok.End + 1))
		s.logger.Info("claim granted", slog.Int("epoch", tok.Epoch), slog.Int("start", tok.Start), slog.Int("end", tok.End))
	case errors.Is(err, cluster.ErrNotLeader):
		metrics.ClaimsTotal.WithLabelValues("not_leader").Inc()
	case errors.Is(err, cluster.ErrNoWork):
		metrics.ClaimsTotal.WithLabelValues("no_work").Inc()
	}
	return tok, err
}

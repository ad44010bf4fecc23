package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "labeler"
)

var (
	// ClaimsTotal counts claim attempts seen by the partitioner
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total number of claim requests handled",
		},
		[]string{"result"}, // granted/not_leader/no_work
	)

	// RecordsLabeled counts records appended to local shards
	RecordsLabeled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_labeled_total",
			Help:      "Total number of records labeled and written",
		},
	)

	// ShardsReplicated counts shards pulled from peers
	ShardsReplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_replicated_total",
			Help:      "Total number of shards copied from peers",
		},
	)

	// GossipPolls counts peer status polls
	GossipPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_polls_total",
			Help:      "Total number of peer status polls",
		},
		[]string{"result"}, // ok/error
	)

	// Epoch tracks the local leadership epoch
	Epoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current leadership epoch of this node",
		},
	)

	// Watermark tracks current_index
	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark",
			Help:      "Highest index durably labeled by this node, exclusive",
		},
	)

	// NextIndex tracks the leader claim cursor
	NextIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_index",
			Help:      "Leader claim cursor",
		},
	)

	// IsLeader is 1 while this node leads
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "is_leader",
			Help:      "1 if this node is the current leader",
		},
	)

	// AlivePeers tracks the size of the alive set after each gossip round
	AlivePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alive_peers",
			Help:      "Number of peers considered alive",
		},
	)
)

// ObserveState publishes the gauges derived from a node's state.
func ObserveState(epoch, watermark, nextIndex int, leader bool) {
	Epoch.Set(float64(epoch))
	Watermark.Set(float64(watermark))
	NextIndex.Set(float64(nextIndex))
	if leader {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
}

// Package cluster defines the wire contract spoken between labeler peers
// and the small JSON/HTTP client every node uses to talk to the others.
//
// # Overview
//
// There is no coordinator process. Every node runs the same binary and
// exposes the same surface; whichever node currently wins the election
// additionally hands out claims. The package therefore holds only what
// both sides of a request agree on:
//
//	PeerStatus   - gossip payload returned by GET /status
//	PingResponse - liveness probe returned by GET /ping
//	ClaimToken   - contiguous range granted by POST /claim
//	ShardList    - closed shard names returned by GET /shards
//
// # Topology
//
//	┌──────────┐  /status, /shards, /pull  ┌──────────┐
//	│  node A  │◄─────────────────────────►│  node B  │
//	│ (leader) │◄──────── /claim ──────────│(follower)│
//	└──────────┘                           └──────────┘
//
// # Status codes
//
// POST /claim distinguishes three outcomes by HTTP status:
//   - 200 OK with a ClaimToken body
//   - 423 Locked: the receiver is not the leader (ErrNotLeader)
//   - 204 No Content: the dataset is exhausted (ErrNoWork)
//
// Neither ErrNotLeader nor ErrNoWork is a failure. Callers back off and
// retry.
//
// # Timeouts
//
// Every outbound call runs under the context passed by the caller and,
// additionally, under the Client's per-request timeout, so a slow peer
// only ever blocks the loop that is talking to it.
package cluster

package node

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baraam-commits/distributed-csv-labeler/internal/cluster"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
)

// Info is the diagnostics payload of GET /info.
type Info struct {
	WorkerID     string      `json:"worker_id"`
	Mode         string      `json:"mode"`
	Role         string      `json:"role"`
	Epoch        int         `json:"epoch"`
	CurrentIndex int         `json:"current_index"`
	NextIndex    int         `json:"next_index"`
	KnownLeader  string      `json:"known_leader,omitempty"`
	Items        int         `json:"items"`
	AlivePeers   []string    `json:"alive_peers"`
	ClosedShards int         `json:"closed_shards"`
	Shards       shard.Stats `json:"shard_stats"`
	Time         time.Time   `json:"time"`
}

// Handler returns the node's HTTP surface.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", n.handlePing)
	mux.HandleFunc("/status", n.handleStatus)
	mux.HandleFunc("/claim", n.handleClaim)
	mux.HandleFunc("/shards", n.handleShards)
	mux.HandleFunc("/pull", n.handlePull)
	mux.HandleFunc("/info", n.handleInfo)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Node) handlePing(w http.ResponseWriter, _ *http.Request) {
	st := n.state.Snapshot()
	writeJSON(w, http.StatusOK, cluster.PingResponse{
		OK:     true,
		Epoch:  st.Epoch,
		Leader: st.Role.IsLeader(),
		ID:     st.WorkerID,
	})
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.elector.Self())
}

// handleClaim grants the next range. 423 tells the caller to re-resolve
// the leader, 204 tells it to back off.
func (n *Node) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tok, err := n.claims.Claim()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tok)
	case errors.Is(err, cluster.ErrNotLeader):
		writeJSON(w, http.StatusLocked, map[string]string{"error": "not leader"})
	case errors.Is(err, cluster.ErrNoWork):
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (n *Node) handleShards(w http.ResponseWriter, _ *http.Request) {
	files, err := n.store.ListClosed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, cluster.ShardList{Files: files})
}

func (n *Node) handlePull(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	f, err := n.store.Open(name)
	switch {
	case errors.Is(err, shard.ErrInvalidName):
		http.Error(w, "invalid shard name", http.StatusBadRequest)
		return
	case errors.Is(err, shard.ErrNotFound):
		http.Error(w, "shard not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if fi, err := f.Stat(); err == nil {
		http.ServeContent(w, r, name, fi.ModTime(), f)
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		n.logger.Warn("pull copy failed", slog.String("shard", name), slog.Any("error", err))
	}
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	st := n.state.Snapshot()
	alive := n.detector.AlivePeers()
	ids := make([]string, 0, len(alive))
	for _, p := range alive {
		ids = append(ids, p.WorkerID)
	}
	closed, _ := n.store.ListClosed()
	writeJSON(w, http.StatusOK, Info{
		WorkerID:     st.WorkerID,
		Mode:         string(n.elector.Mode()),
		Role:         string(st.Role),
		Epoch:        st.Epoch,
		CurrentIndex: st.CurrentIndex,
		NextIndex:    st.NextIndex,
		KnownLeader:  st.KnownLeader,
		Items:        n.data.Len(),
		AlivePeers:   ids,
		ClosedShards: len(closed),
		Shards:       n.store.Stats(),
		Time:         time.Now().UTC(),
	})
}

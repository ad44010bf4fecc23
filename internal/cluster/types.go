package cluster

import (
	"fmt"
	"strings"
)

// PeerStatus is the gossip payload a node reports about itself.
// TS is the reporter's wall clock in fractional Unix seconds.
type PeerStatus struct {
	WorkerID     string  `json:"worker_id"`
	CurrentIndex int     `json:"current_index"`
	Epoch        int     `json:"epoch"`
	Leader       bool    `json:"leader"`
	TS           float64 `json:"ts"`
}

type PingResponse struct {
	OK     bool   `json:"ok"`
	Epoch  int    `json:"epoch"`
	Leader bool   `json:"leader"`
	ID     string `json:"id"`
}

// ClaimToken grants the inclusive index range [Start, End] under Epoch.
type ClaimToken struct {
	Epoch int `json:"epoch"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of indices covered by the token.
func (c ClaimToken) Len() int {
	return c.End - c.Start + 1
}

func (c ClaimToken) String() string {
	return fmt.Sprintf("[%d,%d]@%d", c.Start, c.End, c.Epoch)
}

type ShardList struct {
	Files []string `json:"files"`
}

// BaseURL turns a configured peer address into a URL prefix. Peers may be
// configured as bare host:port or with an explicit scheme.
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}

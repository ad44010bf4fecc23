// Package config holds the node's tunables. Values come from environment
// variables with defaults; cmd/node layers command-line flags on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/baraam-commits/distributed-csv-labeler/internal/election"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
)

// Config is the full configuration of one node.
type Config struct {
	WorkerID string
	Port     int
	Peers    []string
	Mode     election.Mode
	CSV      string

	Batch         int
	Heartbeat     time.Duration
	StaleAfter    time.Duration
	ReplInterval  time.Duration
	PeerTimeout   time.Duration
	ClaimTimeout  time.Duration
	RetryDelay    time.Duration
	ShardRotation time.Duration
	PreferLeader  bool

	OutputDir string
	StateDir  string
	ReplDir   string

	LogFormat string
	LogLevel  string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:          8001,
		Peers:         []string{"node1:8001"},
		Mode:          election.ModeAuto,
		CSV:           "/data/questions.csv",
		Batch:         128,
		Heartbeat:     time.Second,
		StaleAfter:    5 * time.Second,
		ReplInterval:  10 * time.Second,
		PeerTimeout:   2 * time.Second,
		ClaimTimeout:  5 * time.Second,
		RetryDelay:    500 * time.Millisecond,
		ShardRotation: shard.DefaultRotation,
		OutputDir:     "/output",
		StateDir:      "/state",
		ReplDir:       "/replicated",
		LogFormat:     "text",
		LogLevel:      "info",
	}
}

// FromEnv returns Default overridden by the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup is FromEnv with an injectable variable source. Every
// malformed value is reported, not just the first.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	seconds := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := ParseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("WORKER_ID", &c.WorkerID)
	integer("PORT", &c.Port)
	if v, ok := lookup("PEERS"); ok {
		c.Peers = SplitPeers(v)
	}
	if v, ok := lookup("MODE"); ok && strings.TrimSpace(v) != "" {
		c.Mode = election.Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	str("CSV", &c.CSV)
	integer("BATCH", &c.Batch)
	seconds("HEARTBEAT_SEC", &c.Heartbeat)
	seconds("STALE_SEC", &c.StaleAfter)
	seconds("REPL_INTERVAL", &c.ReplInterval)
	seconds("PEER_TIMEOUT", &c.PeerTimeout)
	seconds("CLAIM_TIMEOUT", &c.ClaimTimeout)
	seconds("RETRY_DELAY", &c.RetryDelay)
	seconds("SHARD_ROTATION", &c.ShardRotation)
	if v, ok := lookup("PREFER_LEADER"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PREFER_LEADER: %w", err))
		} else {
			c.PreferLeader = b
		}
	}
	str("OUTPUT_DIR", &c.OutputDir)
	str("STATE_DIR", &c.StateDir)
	str("REPL_DIR", &c.ReplDir)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_LEVEL", &c.LogLevel)

	return c, errors.Join(errs...)
}

// ParseSeconds accepts either a number of seconds ("1.5") or a Go
// duration ("1500ms").
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// SplitPeers parses a comma separated address list, dropping blanks.
func SplitPeers(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration and fills WorkerID from the host
// name when it is empty.
func (c *Config) Validate() error {
	var errs []error
	if c.Batch < 1 {
		errs = append(errs, fmt.Errorf("batch must be at least 1, got %d", c.Batch))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if _, err := election.ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.CSV) == "" {
		errs = append(errs, errors.New("dataset path is required"))
	}
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"heartbeat", c.Heartbeat},
		{"stale window", c.StaleAfter},
		{"replication", c.ReplInterval},
		{"peer timeout", c.PeerTimeout},
		{"claim timeout", c.ClaimTimeout},
		{"retry delay", c.RetryDelay},
		{"shard rotation", c.ShardRotation},
	} {
		if iv.d <= 0 {
			errs = append(errs, fmt.Errorf("%s interval must be positive, got %s", iv.name, iv.d))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		c.WorkerID = fmt.Sprintf("%s:%d", host, c.Port)
	}
	return nil
}

// ListenAddr is the address the RPC surface binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// StatePath is the snapshot file for this worker inside StateDir.
func (c Config) StatePath() string {
	return filepath.Join(c.StateDir, "state_"+shard.SanitizeID(c.WorkerID)+".json")
}

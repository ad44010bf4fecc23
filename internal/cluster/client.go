package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single peer request when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Client issues bounded-timeout JSON requests to peers.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient returns a client whose requests are each bounded by timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{},
		timeout: timeout,
	}
}

// Timeout reports the per-request bound.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Status fetches a peer's gossip payload.
func (c *Client) Status(ctx context.Context, addr string) (PeerStatus, error) {
	var st PeerStatus
	if err := c.GetJSON(ctx, BaseURL(addr)+"/status", &st); err != nil {
		return PeerStatus{}, err
	}
	return st, nil
}

// Claim asks the node at addr for the next range. It returns ErrNotLeader
// or ErrNoWork for the corresponding protocol answers.
func (c *Client) Claim(ctx context.Context, addr string) (ClaimToken, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := BaseURL(addr) + "/claim"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return ClaimToken{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ClaimToken{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusLocked:
		return ClaimToken{}, ErrNotLeader
	case http.StatusNoContent:
		return ClaimToken{}, ErrNoWork
	default:
		return ClaimToken{}, &StatusError{URL: u, Code: resp.StatusCode}
	}

	var tok ClaimToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return ClaimToken{}, fmt.Errorf("decode claim: %w", err)
	}
	return tok, nil
}

// Shards lists the closed shards a peer advertises.
func (c *Client) Shards(ctx context.Context, addr string) ([]string, error) {
	var out ShardList
	if err := c.GetJSON(ctx, BaseURL(addr)+"/shards", &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Pull streams the named shard from addr into w and returns the number of
// bytes copied. The transfer is not bounded by the client timeout since
// shard size is unbounded; ctx still cancels it.
func (c *Client) Pull(ctx context.Context, addr, name string, w io.Writer) (int64, error) {
	u := BaseURL(addr) + "/pull?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{URL: u, Code: resp.StatusCode}
	}
	return io.Copy(w, resp.Body)
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned by a claim against a node that is not the
	// current leader. The caller must re-resolve the leader.
	ErrNotLeader = errors.New("not leader")

	// ErrNoWork is returned by a claim once the dataset is exhausted.
	ErrNoWork = errors.New("no work")
)

// StatusError reports an HTTP status the client did not expect.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

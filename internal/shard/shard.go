package shard

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidName is returned for names that are not plain shard file
	// names, including anything that could escape the shard directory.
	ErrInvalidName = errors.New("invalid shard name")

	// ErrNotFound is returned when a shard does not exist or is still open.
	ErrNotFound = errors.New("shard not found")
)

const (
	// DefaultRotation is the bucket width.
	DefaultRotation = time.Minute

	filePrefix = "labels_"
	fileSuffix = ".jsonl"

	minuteLayout = "20060102T1504"
	secondLayout = "20060102T150405"
)

// Record is one labeled item as written to a shard.
type Record struct {
	ID         string  `json:"id"`
	Index      int     `json:"idx"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Worker     string  `json:"worker"`
	TS         float64 `json:"ts"`
}

// Stats tracks append activity for the local store.
type Stats struct {
	Appends uint64 `json:"appends"`
	Bytes   uint64 `json:"bytes"`
	Buckets uint64 `json:"buckets"`
}

// Store writes the local node's records into time-bucketed shard files.
// Only the owner ever writes to a file, since the owner id is part of the
// name. A bucket is open while it is the current one and closed forever
// once time moves past it.
type Store struct {
	dir      string
	owner    string
	rotation time.Duration
	now      func() time.Time

	mu     sync.Mutex
	file   *os.File
	bucket string

	appends atomic.Uint64
	bytes   atomic.Uint64
	buckets atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithRotation sets the bucket width. Widths under a minute switch the
// bucket stamp to second granularity.
func WithRotation(d time.Duration) Option {
	return func(s *Store) { s.rotation = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates the shard directory if needed and returns a store for
// owner's shards.
func NewStore(dir, owner string, opts ...Option) (*Store, error) {
	if owner == "" {
		return nil, errors.New("shard owner must not be empty")
	}
	s := &Store{
		dir:      dir,
		owner:    owner,
		rotation: DefaultRotation,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rotation <= 0 {
		s.rotation = DefaultRotation
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	return s, nil
}

// Dir returns the directory holding the owner's shards.
func (s *Store) Dir() string { return s.dir }

// Owner returns the worker id the store writes for.
func (s *Store) Owner() string { return s.owner }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// CurrentBucket returns the stamp of the bucket open at the store's clock.
func (s *Store) CurrentBucket() string {
	return Bucket(s.now(), s.rotation)
}

// CurrentName returns the file name appends go to right now.
func (s *Store) CurrentName() string {
	return FileName(s.owner, s.CurrentBucket())
}

// Append writes rec as one JSON line to the open bucket. The line reaches
// the file before Append returns, so a crash loses at most the record in
// flight. Buckets only move forward; if the clock steps back the store
// keeps writing to the newest bucket it has opened.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Bucket(s.now(), s.rotation)
	if s.file == nil || b > s.bucket {
		if err := s.rotate(b); err != nil {
			return err
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("append to %s: %w", s.file.Name(), err)
	}
	s.appends.Add(1)
	s.bytes.Add(uint64(len(line)))
	return nil
}

// rotate closes the current file and opens bucket b. Callers hold s.mu.
func (s *Store) rotate(b string) error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close shard: %w", err)
		}
		s.file = nil
	}
	path := filepath.Join(s.dir, FileName(s.owner, b))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	s.file = f
	s.bucket = b
	s.buckets.Add(1)
	return nil
}

// ListClosed returns the shard files in the store directory whose bucket
// is strictly older than the current one, sorted by name. The open bucket
// is never listed.
func (s *Store) ListClosed() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.openBucket()
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, ok := bucketOf(e.Name())
		if !ok || b >= current {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Open opens a closed shard for reading.
func (s *Store) Open(name string) (*os.File, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	b, _ := bucketOf(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b >= s.openBucket() {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// openBucket is the oldest bucket that may still receive appends: the
// current one, or a newer one already written to if the clock stepped
// back. Callers hold s.mu.
func (s *Store) openBucket() string {
	return max(s.bucket, s.CurrentBucket())
}

// Exists reports whether name is present in the store directory.
func (s *Store) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// Stats returns append counters.
func (s *Store) Stats() Stats {
	return Stats{
		Appends: s.appends.Load(),
		Bytes:   s.bytes.Load(),
		Buckets: s.buckets.Load(),
	}
}

// Close closes the open bucket file, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Bucket returns the stamp of the bucket containing t.
func Bucket(t time.Time, rotation time.Duration) string {
	layout := minuteLayout
	if rotation < time.Minute {
		layout = secondLayout
	}
	return t.UTC().Truncate(rotation).Format(layout)
}

// SanitizeID makes a worker id safe to embed in a file name.
func SanitizeID(workerID string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(workerID)
}

// FileName returns the shard file name for owner and bucket.
func FileName(owner, bucket string) string {
	return filePrefix + SanitizeID(owner) + "_" + bucket + fileSuffix
}

// OwnedBy reports whether name is one of owner's shard files.
func OwnedBy(name, owner string) bool {
	rest, ok := strings.CutPrefix(name, filePrefix+SanitizeID(owner)+"_")
	if !ok {
		return false
	}
	rest, ok = strings.CutSuffix(rest, fileSuffix)
	return ok && rest != "" && !strings.Contains(rest, "_")
}

// ValidateName rejects anything but a plain shard file name.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ErrInvalidName
	}
	if _, ok := bucketOf(name); !ok {
		return ErrInvalidName
	}
	return nil
}

// bucketOf extracts the bucket stamp from a shard file name.
func bucketOf(name string) (string, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	stem := strings.TrimSuffix(name, fileSuffix)
	i := strings.LastIndexByte(stem, '_')
	if i < len(filePrefix) {
		return "", false
	}
	b := stem[i+1:]
	if b == "" {
		return "", false
	}
	return b, true
}

// ReadFile decodes every record in a shard file. Lines that do not parse,
// such as a torn final line, are skipped.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Package merge consolidates shard files from every node into a single
// gold output. Duplicate labels for one item, produced by re-issued
// claims after a leadership change, collapse to the record with the
// latest timestamp.
package merge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/baraam-commits/distributed-csv-labeler/internal/dataset"
	"github.com/baraam-commits/distributed-csv-labeler/internal/shard"
)

// Row is one line of the merged output.
type Row struct {
	ID         string  `json:"id"`
	Index      int     `json:"idx"`
	Text       string  `json:"text,omitempty"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Worker     string  `json:"worker"`
	TS         float64 `json:"ts"`
}

// Result summarizes a merge.
type Result struct {
	Rows       []Row
	Files      int
	Records    int
	Duplicates int
}

// Collect reads every labels_*.jsonl file under dirs. Missing directories
// are skipped and unparsable lines are dropped.
func Collect(dirs ...string) ([]shard.Record, int, error) {
	var (
		recs  []shard.Record
		files int
	)
	for _, dir := range dirs {
		paths, err := filepath.Glob(filepath.Join(dir, "labels_*.jsonl"))
		if err != nil {
			return nil, 0, err
		}
		for _, p := range paths {
			rs, err := shard.ReadFile(p)
			if err != nil {
				return nil, 0, fmt.Errorf("read %s: %w", p, err)
			}
			recs = append(recs, rs...)
			files++
		}
	}
	return recs, files, nil
}

// Dedup keeps one record per item id: the one with the highest TS, ties
// broken by worker id so the result does not depend on read order.
func Dedup(recs []shard.Record) []shard.Record {
	best := make(map[string]shard.Record, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			continue
		}
		cur, ok := best[r.ID]
		if !ok || r.TS > cur.TS || (r.TS == cur.TS && r.Worker > cur.Worker) {
			best[r.ID] = r
		}
	}
	out := make([]shard.Record, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b shard.Record) int {
		if a.Index != b.Index {
			return a.Index - b.Index
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Merge collects, deduplicates and, when data is non-nil, joins each row
// with its text.
func Merge(data *dataset.Dataset, dirs ...string) (Result, error) {
	recs, files, err := Collect(dirs...)
	if err != nil {
		return Result{}, err
	}
	var texts map[string]string
	if data != nil {
		texts = make(map[string]string, data.Len())
		for i := 0; i < data.Len(); i++ {
			it := data.At(i)
			texts[it.ID] = it.Text
		}
	}

	uniq := Dedup(recs)
	rows := make([]Row, len(uniq))
	for i, r := range uniq {
		rows[i] = Row{
			ID:         r.ID,
			Index:      r.Index,
			Text:       texts[r.ID],
			Label:      r.Label,
			Confidence: r.Confidence,
			Worker:     r.Worker,
			TS:         r.TS,
		}
	}
	return Result{
		Rows:       rows,
		Files:      files,
		Records:    len(recs),
		Duplicates: len(recs) - len(uniq),
	}, nil
}

// Write emits rows as JSON lines.
func Write(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes rows to path through a temp file and rename.
func WriteFile(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write merged output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

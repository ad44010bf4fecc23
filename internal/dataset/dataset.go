// Package dataset loads the ordered source items every node labels.
//
// All nodes load the same file in the same order, so an item's position
// is a coordinate shared by the whole cluster. An item's id is the sha1
// of its trimmed text and identifies it independently of position.
package dataset

import (
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMissingTextColumn is returned when the CSV header has no "text" column.
var ErrMissingTextColumn = errors.New("dataset: CSV must have a 'text' column")

// Item is one row of the dataset.
type Item struct {
	ID    string `json:"id"`
	Index int    `json:"idx"`
	Text  string `json:"text"`
}

// Dataset is an immutable ordered list of items.
type Dataset struct {
	items []Item
}

// ItemID returns the content id for text.
func ItemID(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// New builds a dataset from texts in order.
func New(texts []string) *Dataset {
	d := &Dataset{items: make([]Item, len(texts))}
	for i, t := range texts {
		t = strings.TrimSpace(t)
		d.items[i] = Item{ID: ItemID(t), Index: i, Text: t}
	}
	return d
}

// Load reads a CSV file with a header row containing a "text" column.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses CSV from r.
func Read(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrMissingTextColumn
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == "text" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, ErrMissingTextColumn
	}

	var texts []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset row %d: %w", len(texts)+1, err)
		}
		if col < len(row) {
			texts = append(texts, row[col])
		} else {
			texts = append(texts, "")
		}
	}
	return New(texts), nil
}

// Len returns the number of items.
func (d *Dataset) Len() int {
	return len(d.items)
}

// At returns the item at index i.
func (d *Dataset) At(i int) Item {
	return d.items[i]
}

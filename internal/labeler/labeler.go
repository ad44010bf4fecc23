// Package labeler defines the labeling function applied to each item.
package labeler

import (
	"context"
	"strings"
)

// Result is the outcome of labeling one text.
type Result struct {
	Label      string
	Confidence float64
}

// Labeler labels a single text. Implementations are called synchronously,
// once per claimed index.
type Labeler interface {
	Label(ctx context.Context, text string) (Result, error)
}

// Func adapts a plain function to Labeler.
type Func func(ctx context.Context, text string) (Result, error)

func (f Func) Label(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}

var searchCues = []string{" who", " when", " where", " what", " define "}

// Rule is the stand-in labeler: a text looks like a search query if it
// asks a question or contains a question word.
type Rule struct{}

func (Rule) Label(_ context.Context, text string) (Result, error) {
	lower := strings.ToLower(text)
	if strings.Contains(text, "?") {
		return Result{Label: "search", Confidence: 0.9}, nil
	}
	for _, cue := range searchCues {
		if strings.Contains(lower, cue) {
			return Result{Label: "search", Confidence: 0.9}, nil
		}
	}
	return Result{Label: "no-search", Confidence: 0.8}, nil
}

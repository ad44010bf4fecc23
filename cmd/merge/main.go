// Package main consolidates the shard files of every node into one gold
// JSONL file, keeping the latest label per item.
//
// Example usage:
//
//	./merge --dirs output,replicated --csv data.csv --out output/gold.jsonl
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/baraam-commits/distributed-csv-labeler/internal/dataset"
	"github.com/baraam-commits/distributed-csv-labeler/internal/merge"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("merge failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dirs []string
		csv  string
		out  string
	)
	cmd := &cobra.Command{
		Use:           "merge",
		Short:         "Merge labeled shards into a single deduplicated file",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var data *dataset.Dataset
			if csv != "" {
				var err error
				if data, err = dataset.Load(csv); err != nil {
					return err
				}
			}
			res, err := merge.Merge(data, dirs...)
			if err != nil {
				return err
			}
			if len(res.Rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no shard records found")
				return nil
			}
			if err := merge.WriteFile(out, res.Rows); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d unique rows to %s (%d records from %d files, %d duplicates)\n",
				len(res.Rows), out, res.Records, res.Files, res.Duplicates)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dirs", []string{"output", "replicated"}, "directories holding labels_*.jsonl shards")
	cmd.Flags().StringVar(&csv, "csv", "", "dataset to join text from (optional)")
	cmd.Flags().StringVar(&out, "out", "output/gold.jsonl", "merged output path")
	return cmd
}

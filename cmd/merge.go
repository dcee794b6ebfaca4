package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/merge"
	"github.com/sells-group/lotwatch/internal/model"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge pending staged records into canonical lots and vehicles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, sink := statusTable()
		defer logTaxonomyMisses(sink)
		eng := merge.NewEngine(st, status, cfg.Ingest.BatchSize)

		return runJob(ctx, st, model.JobMerge, func(ctx context.Context, runID string) (map[string]any, error) {
			rep, err := eng.Run(ctx, runID)
			if rep == nil {
				return nil, err
			}
			return rep.Summary(), err
		})
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

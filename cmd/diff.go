package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/diff"
	"github.com/sells-group/lotwatch/internal/model"
)

var (
	diffPrev int64
	diffCurr int64
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Diff two snapshots into lifecycle events (default: the two latest)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if (diffPrev == 0) != (diffCurr == 0) {
			return eris.New("diff: --prev and --curr must be given together")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, sink := statusTable()
		defer logTaxonomyMisses(sink)
		eng := diff.NewEngine(st, status)

		return runJob(ctx, st, model.JobDiff, func(ctx context.Context, _ string) (map[string]any, error) {
			var rep *diff.Report
			var err error
			if diffPrev == 0 {
				rep, err = eng.RunLatest(ctx)
			} else {
				rep, err = eng.Run(ctx, diffPrev, diffCurr)
			}
			if rep == nil {
				return nil, err
			}
			return rep.Summary(), err
		})
	},
}

func init() {
	diffCmd.Flags().Int64Var(&diffPrev, "prev", 0, "previous snapshot id")
	diffCmd.Flags().Int64Var(&diffCurr, "curr", 0, "current snapshot id")
	rootCmd.AddCommand(diffCmd)
}

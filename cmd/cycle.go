package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/diff"
	"github.com/sells-group/lotwatch/internal/jobs"
	"github.com/sells-group/lotwatch/internal/merge"
	"github.com/sells-group/lotwatch/internal/resolve"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run diff, merge and resolve in order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, sink := statusTable()
		defer logTaxonomyMisses(sink)

		c := &jobs.Cycle{
			Runner:   jobs.NewRunner(st),
			Diff:     diff.NewEngine(st, status),
			Merge:    merge.NewEngine(st, status, cfg.Ingest.BatchSize),
			Resolver: resolve.New(st, cfg.Resolver),
		}
		res, err := c.Run(ctx)
		if res != nil {
			_ = writeJSON(os.Stdout, res)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/retention"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots and staged rows past the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := retention.NewPruner(st, cfg.Retention)
		return runJob(ctx, st, model.JobPrune, func(ctx context.Context, _ string) (map[string]any, error) {
			rep, err := p.Run(ctx)
			if err != nil {
				return nil, err
			}
			return rep.Summary(), nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resolve"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Infer outcomes for unresolved lots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r := resolve.New(st, cfg.Resolver)
		return runJob(ctx, st, model.JobResolve, func(ctx context.Context, runID string) (map[string]any, error) {
			rep, err := r.Run(ctx, runID)
			if rep == nil {
				return nil, err
			}
			return rep.Summary(), err
		})
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

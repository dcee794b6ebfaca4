package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List batch job runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, _ := cmd.Flags().GetString("job")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Job:    job,
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics per job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{Limit: 10000}
		if since > 0 {
			cutoff := time.Now().UTC().Add(-since)
			filter.Since = &cutoff
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsCmd.Flags().String("job", "", "filter by job (import, diff, merge, resolve, prune)")
	runsCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// jobStats holds aggregate statistics for one job.
type jobStats struct {
	Job        string
	Total      int
	Complete   int
	Failed     int
	Running    int
	AvgDurSecs float64
	// FailedByClass counts failures by error class.
	FailedByClass map[string]int
}

// computeRunStats aggregates runs per job, in job name order.
func computeRunStats(runs []model.Run) []jobStats {
	byJob := make(map[string]*jobStats)
	durations := make(map[string]time.Duration)
	var order []string

	for _, r := range runs {
		s, ok := byJob[r.Job]
		if !ok {
			s = &jobStats{Job: r.Job, FailedByClass: make(map[string]int)}
			byJob[r.Job] = s
			order = append(order, r.Job)
		}
		s.Total++
		switch r.Status {
		case model.RunStatusComplete:
			s.Complete++
			if r.CompletedAt != nil {
				durations[r.Job] += r.CompletedAt.Sub(r.StartedAt)
			}
		case model.RunStatusFailed:
			s.Failed++
			class, _ := r.Summary["error_class"].(string)
			if class == "" {
				class = "unclassified"
			}
			s.FailedByClass[class]++
		case model.RunStatusRunning:
			s.Running++
		}
	}

	sort.Strings(order)
	out := make([]jobStats, 0, len(order))
	for _, job := range order {
		s := byJob[job]
		if s.Complete > 0 {
			s.AvgDurSecs = durations[job].Seconds() / float64(s.Complete)
		}
		out = append(out, *s)
	}
	return out
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tSTATUS\tERROR_CLASS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t---\t------\t-----------\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		class, _ := r.Summary["error_class"].(string)

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Job,
			r.Status,
			class,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, stats []jobStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tTOTAL\tCOMPLETE\tFAILED\tRUNNING\tAVG_DURATION")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1fs\n",
			s.Job, s.Total, s.Complete, s.Failed, s.Running, s.AvgDurSecs)
		classes := make([]string, 0, len(s.FailedByClass))
		for c := range s.FailedByClass {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		for _, c := range classes {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t\t\t\t\n", c, s.FailedByClass[c])
		}
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

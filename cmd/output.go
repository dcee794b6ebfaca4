package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/sells-group/lotwatch/internal/jobs"
	"github.com/sells-group/lotwatch/internal/store"
)

// writeJSON writes v to w as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runJob records fn as one run of job and prints the finished run.
func runJob(ctx context.Context, st store.Store, job string, fn jobs.Func) error {
	run, err := jobs.NewRunner(st).Run(ctx, job, fn)
	if run != nil {
		_ = writeJSON(os.Stdout, run)
	}
	return err
}

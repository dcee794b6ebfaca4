package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/snapshot"
)

var (
	importFile       string
	importSource     string
	importCapturedAt string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Stage an auction export (CSV or XLSX) as a new snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dec, err := decodeExport(importFile, cfg.Ingest.Columns)
		if err != nil {
			return err
		}

		var capturedAt time.Time
		if importCapturedAt != "" {
			t, ok := model.ParseTime(importCapturedAt)
			if !ok {
				return eris.Errorf("import: unparseable --captured-at %q", importCapturedAt)
			}
			capturedAt = t
		}
		source := importSource
		if source == "" {
			source = filepath.Base(importFile)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		im := snapshot.NewImporter(st)
		return runJob(ctx, st, model.JobImport, func(ctx context.Context, runID string) (map[string]any, error) {
			res, err := im.Import(ctx, dec, snapshot.ImportOptions{
				Source:     source,
				CapturedAt: capturedAt,
				RunID:      runID,
			})
			if err != nil {
				return nil, err
			}
			return res.Summary(), nil
		})
	},
}

// decodeExport decodes path by its extension.
func decodeExport(path string, cols config.ColumnsConfig) (*snapshot.Decoded, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "import: open export")
		}
		defer f.Close() //nolint:errcheck
		return snapshot.DecodeCSV(f, cols)
	case ".xlsx":
		return snapshot.DecodeXLSX(path, cols)
	default:
		return nil, eris.Errorf("import: unsupported export format %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to export file, .csv or .xlsx (required)")
	importCmd.Flags().StringVar(&importSource, "source", "", "source label recorded on the snapshot (default file name)")
	importCmd.Flags().StringVar(&importCapturedAt, "captured-at", "", "capture time of the export (default now)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

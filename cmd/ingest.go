package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/pipeline"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest the given acquisitions once and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		failed := 0
		for _, path := range args {
			rec, err := env.Pipeline.Ingest(ctx, path)
			if !reportResult(cmd.OutOrStdout(), path, rec, err) {
				failed++
			}
		}
		if failed > 0 {
			return eris.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	},
}

// reportResult prints one line per file and reports whether the file
// counts as a success. A duplicate is a success.
func reportResult(w io.Writer, path string, rec *model.ExperimentRecord, err error) bool {
	switch {
	case errors.Is(err, pipeline.ErrDuplicateSkipped):
		id := ""
		if rec != nil {
			id = rec.ID
		}
		_, _ = fmt.Fprintf(w, "skipped  %s (already ingested as %s)\n", path, id)
		return true
	case err != nil:
		zap.L().Error("ingest failed", zap.String("path", path), zap.Error(err))
		_, _ = fmt.Fprintf(w, "failed   %s: %v\n", path, err)
		return false
	default:
		_, _ = fmt.Fprintf(w, "ingested %s -> %s\n", path, rec.ID)
		return true
	}
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

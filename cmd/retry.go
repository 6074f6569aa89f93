package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rtg-microscopy/mingest/internal/pipeline"
)

var retryCmd = &cobra.Command{
	Use:   "retry [file...]",
	Short: "Run due retries, or force a retry of the given files",
	Long:  "With no arguments, resumes every failed attempt whose retry time has passed and re-mirrors completed experiments. With files, retries each one even after a permanent failure.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "retry")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			res, err := env.Pipeline.RetryDue(ctx, time.Now())
			if err != nil {
				return err
			}
			formatSweepResult(cmd.OutOrStdout(), res)
			return nil
		}

		failed := 0
		for _, path := range args {
			rec, err := env.Pipeline.Retry(ctx, path)
			if !reportResult(cmd.OutOrStdout(), path, rec, err) {
				failed++
			}
		}
		if failed > 0 {
			return eris.Errorf("%d of %d retries failed", failed, len(args))
		}
		return nil
	},
}

// formatSweepResult writes one RetryDue summary to w.
func formatSweepResult(out io.Writer, r *pipeline.SweepResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Resumed:\t%d\n", r.Resumed)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", r.Completed)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", r.Failed)
	_, _ = fmt.Fprintf(w, "Mirrored:\t%d\n", r.Mirrored)
	_, _ = fmt.Fprintf(w, "Mirror failed:\t%d\n", r.MirrorFailed)
	_, _ = fmt.Fprintf(w, "Snapshots flushed:\t%d\n", r.Flushed)
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

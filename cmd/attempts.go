package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/store"
)

var (
	attemptsState string
	attemptsLimit int
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "List persisted ingest attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		state := model.AttemptState(attemptsState)
		if state != "" && !state.Valid() {
			return eris.Errorf("unknown state %q", attemptsState)
		}

		st, err := openStore(ctx, "attempts")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		attempts, err := st.ListAttempts(ctx, store.AttemptFilter{State: state, Limit: attemptsLimit})
		if err != nil {
			return eris.Wrap(err, "list attempts")
		}

		if len(attempts) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No attempts found.")
			return nil
		}
		formatAttemptsList(cmd.OutOrStdout(), attempts)
		return nil
	},
}

// truncateID shortens an ID for table display.
func truncateID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

// formatAttemptsList writes a table of attempts to w.
func formatAttemptsList(out io.Writer, attempts []model.Attempt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tSTATE\tSTAGE\tTRIES\tMIRROR\tUPDATED\tREASON")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-----\t-----\t------\t-------\t------")

	for _, a := range attempts {
		file := filepath.Base(a.SourcePath)
		if len(file) > 30 {
			file = file[:27] + "..."
		}

		state := string(a.State)
		if a.Permanent {
			state += " (permanent)"
		}

		reason := a.Reason
		if len(reason) > 40 {
			reason = reason[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(a.ID),
			file,
			state,
			a.FailedStage,
			a.Tries,
			a.MirrorStatus,
			a.UpdatedAt.Format("2006-01-02 15:04"),
			reason,
		)
	}
	_ = w.Flush()
}

func init() {
	attemptsCmd.Flags().StringVar(&attemptsState, "state", "", "filter by state (e.g. failed, completed)")
	attemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 50, "max attempts to show")
	rootCmd.AddCommand(attemptsCmd)
}

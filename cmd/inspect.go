package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/rtg-microscopy/mingest/internal/metadata"
	"github.com/rtg-microscopy/mingest/internal/model"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print the acquisition metadata extracted from a raw file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}
		md, err := metadata.NewExtractor(cfg.Pipeline.DefaultOperator).Extract(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeMetadata(cmd.OutOrStdout(), md)
	},
}

func writeMetadata(w io.Writer, md *model.AcquisitionMetadata) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

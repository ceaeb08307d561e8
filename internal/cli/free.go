package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"blocksync/internal/availability"
)

func newFreeCommand(opts *RootOptions) *cobra.Command {
	var extended bool
	cmd := &cobra.Command{
		Use:   "free",
		Short: "List free windows from blocker blocks and configured ICS feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			windows, err := e.runner.Free(cmd.Context(), extended)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(w, windows)
			}
			if len(windows) == 0 {
				_, err := fmt.Fprintln(w, "no free windows")
				return err
			}
			loc := e.cfg.Location()
			for _, win := range windows {
				if _, err := fmt.Fprintln(w, availability.Format(win, loc)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&extended, "extended", false, "include weekends and early/late hours")
	return cmd
}

func newExportCommand(opts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the blocker calendar's blocks as an ICS feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			if output == "" || output == "-" {
				return e.runner.ExportBlocks(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if err := e.runner.ExportBlocks(cmd.Context(), f); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"blocksync/internal/app"
	"blocksync/internal/reconcile"
	"blocksync/internal/sweep"
)

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation of the scheduler and home calendars",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			inv, err := e.runner.Sync(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if err := printSync(cmd.OutOrStdout(), opts.Format, inv); err != nil {
				return err
			}
			if err := inv.Err(); err != nil {
				return fmt.Errorf("sync finished with calendar errors: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read and log the feeds without touching any calendar")
	return cmd
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove duplicate and per-instance blocks from the blocker calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			rep, err := e.runner.Sweep(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printSweep(cmd.OutOrStdout(), opts.Format, rep)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing it")
	return cmd
}

func newDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain [calendar-id]",
		Short: "Advance sync cursors without acting on the events",
		Long: `Drain performs a full read of one source calendar, or of every configured
source calendar, and stores the resulting cursor. No blocks are created,
updated or deleted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			reports, err := e.runner.Drain(cmd.Context(), firstArg(args))
			if perr := printCalendars(cmd.OutOrStdout(), opts.Format, reports); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [calendar-id]",
		Short: "Forget the sync cursor of one calendar, or of all calendars",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			calID := firstArg(args)
			if err := e.runner.Reset(cmd.Context(), calID); err != nil {
				return err
			}
			if calID == "" {
				calID = "all calendars"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cursor cleared: %s\n", calID)
			return err
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSync(w io.Writer, format string, inv *app.InvocationReport) error {
	if format == "json" {
		return printJSON(w, inv)
	}
	mode := ""
	if inv.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "sync%s: %d calendar(s) in %s\n", mode, len(inv.Calendars), inv.Duration)
	return printCalendars(w, format, inv.Calendars)
}

func printCalendars(w io.Writer, format string, reports []*reconcile.CalendarReport) error {
	if format == "json" {
		return printJSON(w, reports)
	}
	for _, r := range reports {
		if r == nil {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "  %s (%s): events=%d pages=%d full_sync=%t", r.Name, r.CalendarID, r.Events, r.Pages, r.FullSync)
		for _, a := range []reconcile.Action{reconcile.ActionCreated, reconcile.ActionUpdated, reconcile.ActionDeleted, reconcile.ActionUnchanged} {
			fmt.Fprintf(&b, " %s=%d", a, r.Count(a))
		}
		fmt.Fprintf(&b, " failures=%d", r.Failures())
		if r.Err != nil {
			fmt.Fprintf(&b, " error=%q", r.Err.Error())
		}
		if _, err := fmt.Fprintln(w, b.String()); err != nil {
			return err
		}
		for _, o := range r.Outcomes {
			if o.Action.Failed() {
				fmt.Fprintf(w, "    %s %s: %s\n", o.Action, o.EventID, o.Reason())
			}
		}
	}
	return nil
}

func printSweep(w io.Writer, format string, rep *sweep.Report) error {
	if format == "json" {
		return printJSON(w, rep)
	}
	mode := ""
	if rep.DryRun {
		mode = " (dry run)"
	}
	_, err := fmt.Fprintf(w, "sweep%s: considered=%d duplicates=%d/%d instances=%d/%d failures=%d in %s\n",
		mode, rep.Considered,
		rep.DuplicatesRemoved, rep.DuplicatesFound,
		rep.InstancesRemoved, rep.InstancesFound,
		rep.Failures, rep.Duration)
	return err
}

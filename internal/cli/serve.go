package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"blocksync/internal/app"
	appLog "blocksync/internal/log"
	"blocksync/internal/schedule"
	"blocksync/internal/web"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	var (
		listen      string
		syncOnStart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run sync and sweep on their cron schedules and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.close()

			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				e.cfg.Listen = listen
			}
			if err := e.cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			sched := schedule.New(e.cfg.Location())
			if err := sched.Add("sync", e.cfg.SyncCron, syncJob(e.runner)); err != nil {
				return err
			}
			if err := sched.Add("sweep", e.cfg.SweepCron, sweepJob(e.runner)); err != nil {
				return err
			}
			sched.Start(ctx)
			defer sched.Stop()

			if syncOnStart {
				go func() {
					if err := syncJob(e.runner)(ctx); err != nil {
						appLog.Error("initial sync failed", err)
					}
				}()
			}

			appLog.Info("blocksync serving",
				"listen", e.cfg.Listen,
				"sync_cron", e.cfg.SyncCron,
				"sweep_cron", e.cfg.SweepCron,
				"timezone", e.cfg.Timezone,
			)
			err = web.NewServer(e.cfg, e.runner, e.metrics).Run(ctx)
			appLog.Info("blocksync exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", false, "run one sync immediately instead of waiting for the first tick")
	return cmd
}

func syncJob(r *app.Runner) schedule.Job {
	return func(ctx context.Context) error {
		inv, err := r.Sync(ctx, false)
		if errors.Is(err, app.ErrBusy) {
			appLog.Warn("sync tick skipped: previous invocation still running")
			return nil
		}
		if err != nil {
			return err
		}
		return inv.Err()
	}
}

func sweepJob(r *app.Runner) schedule.Job {
	return func(ctx context.Context) error {
		_, err := r.Sweep(ctx, false)
		if errors.Is(err, app.ErrBusy) {
			appLog.Warn("sweep tick skipped: another invocation is running")
			return nil
		}
		return err
	}
}

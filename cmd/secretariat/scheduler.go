package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/secretariat-ai/secretariat/internal/scheduler"
)

func newSchedulerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "reconcile and fire due reminders once, then exit")
	return cmd
}

func runScheduler(once bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx, "scheduler")
	if err != nil {
		return err
	}
	defer rt.shutdown.Shutdown(context.Background())

	sched := scheduler.New(rt.rest, rt.queues, rt.settings.Queues.ToSecretary,
		rt.logger, rt.metrics,
		scheduler.WithInterval(rt.settings.Scheduler.ReconcileInterval),
		scheduler.WithGrace(rt.settings.Scheduler.OneTimeGrace, rt.settings.Scheduler.RecurringGrace))

	if once {
		fired := sched.RunOnce(ctx)
		rt.logger.Info(ctx, "scheduler pass complete", "fired", fired)
		return nil
	}

	if err := rt.health.Start(ctx); err != nil {
		return err
	}
	rt.logger.Info(ctx, "scheduler starting",
		"interval", rt.settings.Scheduler.ReconcileInterval, "version", version)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

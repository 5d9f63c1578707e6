package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/factory"
	"github.com/secretariat-ai/secretariat/internal/infra"
	"github.com/secretariat-ai/secretariat/internal/orchestrator"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue orchestrator and agent factory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx, "orchestrator")
	if err != nil {
		return err
	}
	defer rt.shutdown.Shutdown(context.Background())

	registry, _, err := rt.providers()
	if err != nil {
		return err
	}

	agents := factory.New(rt.rest, rt.rest, rt.rag, registry, rt.toolDeps(),
		rt.settings.Agent, rt.settings.LLM, rt.logger, rt.metrics)
	if err := agents.Warm(ctx); err != nil {
		// A cold cache just means point lookups until the first refresh.
		rt.logger.Warn(ctx, "assignment warmup failed", "error", err)
	}
	rt.shutdown.Register("factory", infra.PhaseDrain, func(context.Context) error {
		agents.Close()
		return nil
	})

	orch := orchestrator.New(rt.queues, agents, rt.rest,
		rt.settings.Queues, rt.logger, rt.metrics,
		orchestrator.WithTracer(rt.tracer))

	rt.watchOverrides(ctx, func(ov *config.FileOverrides) {
		ov.Apply(rt.settings)
		rt.logger.SetLevel(rt.settings.Obs.LogLevel)
		agents.UpdateSettings(rt.settings.Agent)
	})

	if err := rt.health.Start(ctx); err != nil {
		return err
	}
	rt.logger.Info(ctx, "orchestrator starting",
		"stream", rt.settings.Queues.ToSecretary,
		"group", rt.settings.Queues.ConsumerGroup,
		"concurrency", rt.settings.Queues.Concurrency,
		"version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return agents.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

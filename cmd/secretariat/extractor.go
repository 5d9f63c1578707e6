package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/secretariat-ai/secretariat/internal/extractor"
)

func newExtractorCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "extractor",
		Short: "Run the background memory extraction pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtractor(once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one extraction pass, then exit")
	return cmd
}

func runExtractor(once bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx, "extractor")
	if err != nil {
		return err
	}
	defer rt.shutdown.Shutdown(context.Background())

	_, batchProviders, err := rt.providers()
	if err != nil {
		return err
	}
	if len(batchProviders) == 0 {
		return fmt.Errorf("memory extraction needs a batch-capable provider (OPENAI_API_KEY)")
	}

	ext := extractor.New(rt.rest, rt.rag, batchProviders,
		rt.settings.Extractor, rt.logger, rt.metrics)

	if once {
		return ext.RunOnce(ctx)
	}

	if err := rt.health.Start(ctx); err != nil {
		return err
	}
	rt.logger.Info(ctx, "extractor starting",
		"schedule", rt.settings.Extractor.Schedule, "version", version)

	if err := ext.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

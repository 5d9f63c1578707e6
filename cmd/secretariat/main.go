// Package main is the secretariat CLI. One binary carries every service of
// the pipeline; deployments pick a role per process:
//
//	secretariat serve      — queue orchestrator + agent factory
//	secretariat scheduler  — reminder scheduler
//	secretariat extractor  — background memory extraction
//	secretariat dlq        — dead letter queue inspection and requeue
//
// Configuration comes from the environment (see internal/config), with an
// optional overrides file for prompts and tuning knobs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	// A missing .env is the normal case in production.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "secretariat",
		Short:         "Message orchestration and context engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("CONFIG_FILE"),
		"path to a YAML or JSON5 overrides file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"override the configured log level")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSchedulerCmd())
	root.AddCommand(newExtractorCmd())
	root.AddCommand(newDLQCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"runtime/debug"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/secretariat-ai/secretariat/internal/config"
)

// newVersionCmd prints build info plus the observability endpoints configured
// in the environment, so an operator on a box can find the dashboards.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and environment info",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "secretariat %s", version)
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(out, " (%s)", info.GoVersion)
			}
			fmt.Fprintln(out)

			settings := config.FromEnv()
			endpoints := [][2]string{
				{"grafana", settings.Obs.GrafanaURL},
				{"prometheus", settings.Obs.PrometheusURL},
				{"loki", settings.Obs.LokiURL},
				{"otlp", settings.Obs.OTLPEndpoint},
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, e := range endpoints {
				if e[1] != "" {
					fmt.Fprintf(w, "%s\t%s\n", e[0], e[1])
				}
			}
			return w.Flush()
		},
	}
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/bootstrap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Start the HTTP API. Runs are started with POST /api/v1/runs and
observed with GET /api/v1/runs/:keyword/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return bootstrap.Serve(cmd.Context(), cfgFile, debug)
		},
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"forgeauth/internal/app"
)

func newServeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication HTTP server",
		Long: `Starts the HTTP server that drives the OAuth2 authorization code flow.

Configuration is read from the YAML file given with --config (or
./forgeauth.yaml), then overridden by FORGEAUTH_* environment variables.
Variables from --env-file (or ./.env) are loaded first and never replace
variables that are already set.

With --watch, changes to the configuration file re-register the applications
listed under "applications". Other settings require a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.NewConfig(debug, configPath, watch)
			cfg.EnvFiles = envFiles
			cfg.LogOutput = cmd.ErrOrStderr()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			application, err := app.NewApplication(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			return application.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Reload application registrations when the config file changes")
	return cmd
}

package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"forgeauth/internal/autherr"
	"forgeauth/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeConfig indicates invalid configuration or arguments.
	ExitCodeConfig = 2
	// ExitCodeNotFound indicates the named application does not exist.
	ExitCodeNotFound = 3
)

var (
	configPath string
	envFiles   []string
	debug      bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "forgeauth",
	Short: "OAuth2 sign-in broker for GitLab-compatible Git hosts",
	Long: `forgeauth runs the OAuth2 authorization code flow against GitLab.com or
self-hosted GitLab instances on behalf of registered applications. It keeps
the resulting sessions alive by refreshing access tokens before they expire
and recovers from transient failures.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "forgeauth version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps errors to exit codes for scripting.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var invalid config.ValidationErrors
	if errors.As(err, &invalid) {
		return ExitCodeConfig
	}
	if _, ok := autherr.As(err); !ok {
		return ExitCodeError
	}
	code := autherr.CodeOf(err)
	switch {
	case code == autherr.CodeApplicationNotFound:
		return ExitCodeNotFound
	case code.Kind() == autherr.KindConfiguration:
		return ExitCodeConfig
	default:
		return ExitCodeError
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (default ./forgeauth.yaml if present)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment (default ./.env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAppsCmd())
}

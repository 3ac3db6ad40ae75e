// Package cli holds the gatekeeper commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"gatekeeper/pkg/config"
)

// Version is reported by the API and the version flag.
var Version = "v0.1-dev"

// rootConfig carries persistent flags to the subcommands.
type rootConfig struct {
	settingsPath string
}

// loadEnv reads the process configuration and applies flag overrides.
func (rc *rootConfig) loadEnv() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if rc.settingsPath != "" {
		cfg.SettingsPath = rc.settingsPath
	}
	return cfg, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rc := &rootConfig{}
	if v := os.Getenv("APP_VERSION"); v != "" {
		Version = v
	}

	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Risk gate and resilient execution core for a paper-trading engine",
		Long: `Gatekeeper takes trading signals through a layered risk gate, sizes and
simulates their fills, tracks the resulting portfolio and halts trading
through a circuit breaker when losses exceed configured limits.

Process settings come from the environment (or .env); risk, breaker,
execution and exchange-client parameters come from a YAML settings file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&rc.settingsPath, "settings", "", "settings file (default $SETTINGS_PATH or ./settings.yaml)")

	cmd.AddCommand(
		newServeCmd(rc),
		newConfigCmd(rc),
		newTokenCmd(rc),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

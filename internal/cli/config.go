package cli

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gatekeeper/pkg/config"
)

func newConfigCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check the settings file",
	}
	cmd.AddCommand(
		newConfigInitCmd(rc),
		newConfigValidateCmd(rc),
	)
	return cmd
}

func newConfigInitCmd(rc *rootConfig) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settingsPath(rc)
			if err := config.WriteDefaultSettings(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default settings to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCmd(rc *rootConfig) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settingsPath(rc)
			s, err := config.LoadSettings(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			if show {
				out, err := yaml.Marshal(s)
				if err != nil {
					return err
				}
				_, _ = cmd.OutOrStdout().Write(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the effective settings")
	return cmd
}

// settingsPath resolves the file without requiring the rest of the environment.
func settingsPath(rc *rootConfig) string {
	if rc.settingsPath != "" {
		return rc.settingsPath
	}
	if p := os.Getenv("SETTINGS_PATH"); p != "" {
		return p
	}
	return "./settings.yaml"
}

// loadSettings reads the settings file; a missing file means defaults.
func loadSettings(path string) (config.Settings, error) {
	s, err := config.LoadSettings(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] settings file %s not found; using defaults", path)
		return config.DefaultSettings(), nil
	}
	return s, err
}

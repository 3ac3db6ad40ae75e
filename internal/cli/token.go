package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gatekeeper/internal/api"
)

func newTokenCmd(rc *rootConfig) *cobra.Command {
	var (
		operator string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the privileged API routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return errors.New("--operator is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			cfg, err := rc.loadEnv()
			if err != nil {
				return err
			}
			token, err := api.GenerateToken(operator, cfg.JWTSecret, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded on breaker resets")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

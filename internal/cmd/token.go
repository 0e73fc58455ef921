package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/sebas/connbridge/internal/authority/wslink"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Sign a bearer token for an authority",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := viper.GetString("api.auth_secret")
	if secret == "" {
		return errors.New("api.auth_secret is not set")
	}
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return err
	}
	token, err := wslink.SignToken([]byte(secret), args[0], ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

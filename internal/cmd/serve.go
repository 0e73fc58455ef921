package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/connbridge/internal/app"
	"github.com/sebas/connbridge/internal/config"
	"github.com/sebas/connbridge/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("api-addr", "", "HTTP API listen address (overrides api.addr)")
	serveCmd.Flags().Bool("sip", false, "enable the SIP backend (overrides sip.enabled)")
	_ = viper.BindPFlag("api.addr", serveCmd.Flags().Lookup("api-addr"))
	_ = viper.BindPFlag("sip.enabled", serveCmd.Flags().Lookup("sip"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.Log.Level)
	logger.SetPII(cfg.Log.PII)

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to start connbridge: %w", err)
	}
	defer a.Close()

	config.Watch(a.Reload)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.PrintBanner(cmd.OutOrStdout(), Version)
	if err := a.Run(ctx); err != nil {
		return err
	}
	slog.Info("[App] Shut down")
	return nil
}

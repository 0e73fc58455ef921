// Package cmd holds the connbridge command line.
package cmd

import (
	"strings"

	"github.com/sebas/connbridge/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "connbridge",
	Short: "Connection registry and federation bridge",
	Long: `connbridge maps an authority's call identifiers onto backend
connections, relays connection state back to the authority, and federates
calls it cannot place locally to remote providers.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./connbridge.yaml or $HOME/.config/connbridge/connbridge.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("connbridge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/connbridge")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CONNBRIDGE")
	// e.g. CONNBRIDGE_SIP_PENDING_TTL for sip.pending_ttl
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// Package app holds the CLI entrypoints and wires the service together.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/uniboxhq/unibox-sync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "unibox-sync",
	Short: "Unibox channel sync service",
	Long:  "Synchronizes messages from connected mail channels into per-workspace stores and keeps provider webhook subscriptions alive",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("database.path", "data/unibox.db", "SQLite database path")
	rootCmd.PersistentFlags().String("http.addr", ":8080", "HTTP listen address")
	rootCmd.PersistentFlags().String("nats.url", "", "NATS server URL (empty disables event publishing)")
	rootCmd.PersistentFlags().String("webhook.notification_url", "", "Public webhook endpoint registered with providers")

	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("database.path"))
	viper.BindPFlag("http.addr", rootCmd.PersistentFlags().Lookup("http.addr"))
	viper.BindPFlag("nats.url", rootCmd.PersistentFlags().Lookup("nats.url"))
	viper.BindPFlag("webhook.notification_url", rootCmd.PersistentFlags().Lookup("webhook.notification_url"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(setupCmd)
}

func initConfig() {
	config.SetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("UNIBOX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

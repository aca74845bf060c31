// Package cmd is the maestro command-line interface.
package cmd

import (
	"strings"

	"github.com/maestro-cli/maestro/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes returned by the run and resume commands.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitConflictsPending = 2
	ExitEscalationPaused = 3
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Multi-agent task orchestrator for autonomous code changes",
	Long: `Maestro breaks an objective into tasks, runs coding agents against
them concurrently in isolated git worktrees, reviews every attempt with
a judge agent, and merges the surviving branches back together.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/maestro/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they're available even without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/maestro")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MAESTRO")
	// Nested keys map to env vars with underscores:
	// MAESTRO_INTEGRATION_METHOD for integration.method.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

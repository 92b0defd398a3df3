package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rosterwatch",
		Short:         "Player roster enrichment and sync engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newIngestCommand(),
		newSearchCommand(),
		newMigrateCommand(),
		newSetKeyCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("avatars-dir", defaults.GetString("avatars.dir"), "Avatar cache directory")
	cmd.PersistentFlags().String("credentials-path", defaults.GetString("credentials.path"), "Encrypted API key path")
	cmd.PersistentFlags().String("steam-base-url", defaults.GetString("steam.base_url"), "Profile service base URL")
	cmd.PersistentFlags().String("roster-log", defaults.GetString("roster.log_path"), "Console log to watch for roster dumps")
	cmd.PersistentFlags().Bool("periodic-ban-check", defaults.GetBool("enrichment.periodic_ban_check"), "Re-check bans once they are a day old")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Control API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "avatars.dir", "avatars-dir")
	bindFlag(cmd, "credentials.path", "credentials-path")
	bindFlag(cmd, "steam.base_url", "steam-base-url")
	bindFlag(cmd, "roster.log_path", "roster-log")
	bindFlag(cmd, "enrichment.periodic_ban_check", "periodic-ban-check")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "control.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rosterwatch")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

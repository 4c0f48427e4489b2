// Package main provides the entry point for the naturalspeech CLI.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/naturalspeech/naturalspeech/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cfg        config.Config
	logCloser  = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "naturalspeech",
		Short: "Speak text through pools of piper voices",
		Long: paragraph(
			fmt.Sprintf("\nSpeak text through %s, in order for every speaker.", keyword("pools of piper processes")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd.Name())
		},
	}
)

// loadConfig resolves the config file, loads it and sets up logging. The
// config and man commands only need the path, so a broken file can still
// be edited.
func loadConfig(command string) error {
	if configFile == "" {
		configFile = viper.ConfigFileUsed()
	}
	if command == "config" || command == "man" {
		return nil
	}

	var err error
	cfg, err = config.Load(configFile)
	if err != nil {
		return fmt.Errorf("config %s: %w", configFile, err)
	}
	if viper.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	if f := viper.GetString("log-file"); f != "" {
		cfg.Log.File = f
	}
	if f := viper.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}

	closer, err := setupLog(cfg.Log)
	if err != nil {
		return err
	}
	logCloser = closer
	log.Debug("Using configuration file", "path", configFile)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_ = logCloser()
		os.Exit(1)
	}
	_ = logCloser()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().Bool("debug", false, "log at debug level")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, sayCmd, voicesCmd, statusCmd, cancelCmd, doctorCmd, configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	dirs, err := config.Dirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("naturalspeech")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("naturalspeech")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		return
	}

	path, _, err := config.Find()
	if err != nil {
		log.Error("Could not find configuration", "error", err)
		return
	}
	viper.SetConfigFile(path)
	if err := config.EnsureFile(path); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

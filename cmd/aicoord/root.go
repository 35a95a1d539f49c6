package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ai-coordinator/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "aicoord",
		Short:         "Run AI coordinator and provider nodes",
		Long:          "aicoord runs a coordinator node that matches consumer prompts to AI service providers and drives their execution, plus a demo provider node and key tooling.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (TOML or YAML)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newProviderCmd(opts),
		newKeygenCmd(),
	)
	return rootCmd
}

// loadConfig reads and validates configuration. bind registers command flags
// on the viper instance before values are read.
func loadConfig(opts *rootOptions, bind func(v *viper.Viper) error) (config.Config, error) {
	v := viper.New()
	if bind != nil {
		if err := bind(v); err != nil {
			return config.Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	cfg, err := config.Load(v, opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).With("node", cfg.Node.Name)
	slog.SetDefault(logger)
	return logger
}

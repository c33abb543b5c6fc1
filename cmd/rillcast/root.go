package main

import (
	"fmt"
	"os"

	"rillcast/pkg/config"
	"rillcast/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// configPaths are tried in order when --config is not given.
var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/rillcast/config.yaml",
	"config.yaml",
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand(version, commit, date string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rillcast",
		Short: "Rillcast - live streaming signaling with a rolling buffer",
		Long: `Rillcast signals WebRTC links between one broadcaster and its viewers
through a shared store, and records the broadcast into a rolling buffer
that viewers can seek through.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newBufferCommand(flags))
	rootCmd.AddCommand(newTokenCommand(flags))
	return rootCmd
}

// loadConfig reads --config, or the first default path that exists. With
// neither, defaults plus environment overrides are used.
func loadConfig(flags *globalFlags) (*config.Config, string, error) {
	path := flags.configPath
	if path == "" {
		for _, candidate := range configPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		cfg, err := config.Load("")
		return cfg, "defaults", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config, flags *globalFlags) (*zap.SugaredLogger, error) {
	level := cfg.Logging.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	return logger.New(level, cfg.Logging.Format)
}

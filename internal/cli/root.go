package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/voxgate/internal/config"
	"github.com/ppiankov/voxgate/internal/logging"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default ~/.voxgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
}

var rootCmd = &cobra.Command{
	Use:   "voxgate",
	Short: "Policy-enforcing command gateway for voice-driven home automation",
	Long: "Sits between a voice assistant's function calls and a home-automation controller.\n" +
		"Every device command is checked against domain and entity allow-lists, classified\n" +
		"by risk, and held for spoken confirmation when it is high-impact.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command without printing.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and installs the configured logger as the slog default.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, closer, nil
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

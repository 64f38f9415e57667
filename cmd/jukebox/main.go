package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"jukebox/internal/config"
	"jukebox/internal/logger"
)

type rootFlags struct {
	configPath string
	verbose    bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "jukebox",
		Short:         "Shared music queue that prepares and streams songs to web clients",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log debug messages to the console")

	cmd.AddCommand(
		serveCmd(flags),
		scanCmd(flags),
		initConfigCmd(flags),
	)
	return cmd
}

// load reads the config file, applies flag overrides and validates the result.
func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.LoadConfigFile(f.configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if f.verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// newLogger logs to the console and, unless verbose, to a timestamped file
// under the default log directory.
func newLogger(cfg config.Config, name string) *logger.Logger {
	log := logger.New(cfg.Verbose)
	if cfg.Verbose {
		return log
	}

	logDir := config.GetDefaultLogPath()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to create log directory: %v\n", err)
		return log
	}
	logFile := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02_15-04-05")))
	if err := log.SetFileLog(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to setup file logging: %v\n", err)
	} else {
		log.Debug("Logging to file: %s", logFile)
	}
	return log
}

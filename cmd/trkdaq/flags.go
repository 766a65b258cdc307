package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	HealthInterval  time.Duration
	ExitOnFinish    bool
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// parseFlags parses args (without the program name). Flags fall back to
// TRKDAQ_* environment variables. Log level and format left empty defer to
// the configuration file.
func parseFlags(args []string, getenv func(string) string, usage io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.SetOutput(usage)

	var defaultPaths []string
	if p := getenv("TRKDAQ_CONFIG"); p != "" {
		defaultPaths = []string{p}
	}

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c", defaultPaths,
		"Configuration layers, merged in order (env: TRKDAQ_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", getenv("TRKDAQ_LOG_LEVEL"),
		"Log level: debug, info, warn, error (env: TRKDAQ_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getenv("TRKDAQ_LOG_FORMAT"),
		"Log format: json, text (env: TRKDAQ_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		envDuration(getenv, "TRKDAQ_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: TRKDAQ_SHUTDOWN_TIMEOUT)")
	fs.DurationVar(&cfg.HealthInterval, "health-interval",
		envDuration(getenv, "TRKDAQ_HEALTH_INTERVAL", 10*time.Second),
		"Component health refresh interval (env: TRKDAQ_HEALTH_INTERVAL)")
	fs.BoolVar(&cfg.ExitOnFinish, "exit-on-finish",
		envBool(getenv, "TRKDAQ_EXIT_ON_FINISH", true),
		"Shut down once every readout reached end of stream (env: TRKDAQ_EXIT_ON_FINISH)")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printHelp(fs, usage) }

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}
	if cfg.ShowHelp {
		printHelp(fs, usage)
	}
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if len(cfg.ConfigPaths) == 0 {
		return fmt.Errorf("at least one --config file is required")
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if cfg.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	return nil
}

func printHelp(fs *pflag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - tracker VST readout front end

Usage: %s [options]

Options:
%s
Examples:
  # Base configuration plus a per-board layer
  %s -c /etc/trkdaq/base.yaml -c vst-dtc0.json

  # Console logging at debug level
  %s -c trkdaq.yaml --log-level=debug --log-format=text

  # Validate configuration only
  %s -c trkdaq.yaml --validate

Version: %s
`, appName, appName, fs.FlagUsages(), appName, appName, appName, Version)
}

func envBool(getenv func(string) string, key string, def bool) bool {
	if v := getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(getenv func(string) string, key string, def time.Duration) time.Duration {
	if v := getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

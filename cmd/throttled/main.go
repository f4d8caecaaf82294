// Package main is the entry point of the throttle service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg.Observability.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avathrottle",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("store", cfg.Store.Type),
	)

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", observability.Error(err))
	}
	app.logLevelPinned = flags.logLevel != ""

	run(ctx, app, flags.configPath)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("THROTTLE_CONFIG_PATH", ""),
		"Path to configuration file (built-in defaults when empty)")
	logLevel := flag.String("log-level", getEnvOrDefault("THROTTLE_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	logFormat := flag.String("log-format", getEnvOrDefault("THROTTLE_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avathrottle version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads and validates the configuration. An empty path means
// the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger builds the logger from the configuration, letting flags win.
func initLogger(flags cliFlags, logCfg config.LogConfig) observability.Logger {
	lc := observability.LogConfig{
		Level:  logCfg.Level,
		Format: logCfg.Format,
		Output: logCfg.Output,
	}
	if flags.logLevel != "" {
		lc.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		lc.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

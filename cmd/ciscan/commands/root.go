package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flakehunter/ciscan/internal/logging"
)

const Version = "0.1.0"

var (
	logLevelFlags []string
	configFile    string
)

var rootCmd = &cobra.Command{
	Use:     "ciscan",
	Short:   "ciscan - incremental CI log failure scanner",
	Long:    `ciscan scans CI build logs against a catalog of failure patterns, incrementally and idempotently.`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level for packages. Use 'default=level' for default, or 'package.name=level' for per-package.\n"+
			"Examples: --log-level debug (all), --log-level coordinator=debug --log-level matcher=warn")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional; env vars and flags still apply)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(debugCmd)
}

// HandleError prints err and exits 1. No-op if err is nil.
func HandleError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

// setupLog initializes the logging system from parsed log level flags.
func setupLog(flags []string) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(flags)
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags layers environment variables (LOG_LEVEL_* prefix,
// lower priority) under CLI flags (higher priority).
func parseLogLevelFlags(flags []string) (string, map[string]string, error) {
	result := make(map[string]string)

	for _, envPair := range os.Environ() {
		if strings.HasPrefix(envPair, "LOG_LEVEL_") {
			parts := strings.SplitN(envPair, "=", 2)
			if len(parts) != 2 {
				continue
			}
			result[convertEnvKeyToPackageName(parts[0])] = parts[1]
		}
	}

	for _, flag := range flags {
		if !strings.Contains(flag, "=") {
			result["default"] = flag
			continue
		}
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}

	defaultLevel := "info"
	if level, ok := result["default"]; ok {
		defaultLevel = level
		delete(result, "default")
	}

	if err := validateLogLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range result {
		if err := validateLogLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %v", pkg, err)
		}
	}
	return defaultLevel, result, nil
}

func convertEnvKeyToPackageName(envKey string) string {
	name := strings.TrimPrefix(envKey, "LOG_LEVEL_")
	return strings.ToLower(strings.ReplaceAll(name, "_", "."))
}

func validateLogLevel(level string) error {
	valid := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !valid[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error, fatal)", level)
	}
	return nil
}

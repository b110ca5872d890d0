package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("DEVLINK_CONFIG", "configs/devlink.yaml"),
		"Path to configuration file (env: DEVLINK_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("DEVLINK_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: DEVLINK_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("DEVLINK_LOG_FORMAT", "json"),
		"Log format: json, text (env: DEVLINK_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nFlags:\n", appName)
		flag.PrintDefaults()
	}
	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

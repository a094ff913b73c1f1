package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"casvault/internal/config"
)

const logLevelEnvKey = "CASVAULT_LOG_LEVEL"

// configureLoggerForCLI installs the default logger. The level comes from
// the first non-empty of --log-level, CASVAULT_LOG_LEVEL and log_level. A
// bad flag is an error; a bad env or config value falls back to the
// default level and returns a warning for the user.
func configureLoggerForCLI(flagLevel, configLevel string) (string, error) {
	envLevel := os.Getenv(logLevelEnvKey)
	rawLevel, source := selectedLogLevel(flagLevel, envLevel, configLevel)

	level, err := parseLogLevel(rawLevel)
	if err == nil {
		slog.SetDefault(newLogger(level))
		return "", nil
	}

	var origin string
	switch source {
	case "flag":
		return "", fmt.Errorf("invalid --log-level %q", flagLevel)
	case "env":
		origin = fmt.Sprintf("%s=%q", logLevelEnvKey, envLevel)
	case "config":
		origin = fmt.Sprintf("log_level=%q", configLevel)
	}

	fallback, _ := parseLogLevel("")
	slog.SetDefault(newLogger(fallback))
	if origin == "" {
		return "", nil
	}
	return fmt.Sprintf("warning: invalid %s; defaulting to %s", origin, config.DefaultLogLevel), nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, string) {
	candidates := []struct{ value, source string }{
		{flagLevel, "flag"},
		{envLevel, "env"},
		{configLevel, "config"},
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.value) != "" {
			return c.value, c.source
		}
	}
	return "", "default"
}

// parseLogLevel accepts slog level names, "warning", and numeric levels.
func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = config.DefaultLogLevel
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

package utils

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log destinations accepted in LogConfig.Output.
const (
	LogOutputStdout = "stdout"
	LogOutputStderr = "stderr"
)

// LogConfig stores logging configuration
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	// Output is stdout or stderr. Commands that print results on stdout
	// force stderr.
	Output     string `json:"output" yaml:"output"`
	OutputPath string `json:"output_path" yaml:"output_path"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "text",
		Output: LogOutputStdout,
	}
}

// ConfigureLogger builds a logrus logger for config. An unknown level falls
// back to info; an unwritable output_path is reported and skipped.
func ConfigureLogger(config LogConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(formatter(config.Format))

	out, err := logWriter(config)
	logger.SetOutput(out)
	if err != nil {
		logger.WithError(err).Warn("Logging to console only")
	}
	return logger
}

func formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// logWriter returns the console stream for config.Output, teed into
// config.OutputPath when set. On error the console stream is still returned.
func logWriter(config LogConfig) (io.Writer, error) {
	var console io.Writer = os.Stdout
	if config.Output == LogOutputStderr {
		console = os.Stderr
	}
	if config.OutputPath == "" {
		return console, nil
	}
	file, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return console, fmt.Errorf("open log file %s: %w", config.OutputPath, err)
	}
	return io.MultiWriter(console, file), nil
}

// Package logger builds the zap loggers used across KuroDB. Unlike a
// bare zap.NewProduction, configuration is validated up front so a bad
// deployment fails at startup instead of logging at the wrong level.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level: debug, info, warn, or error.
	// Empty means info.
	Level string `yaml:"level"`
	// Format selects the encoder: "json" or "console". Empty means json.
	Format string `yaml:"format"`
	// OutputFile is the log destination: "stdout", "stderr", or a file
	// path opened in append mode. Empty means stderr.
	OutputFile string `yaml:"output_file"`
}

// withDefaults fills the zero values of a Config.
func (c Config) withDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.OutputFile == "" {
		c.OutputFile = "stderr"
	}
	c.Level = strings.ToLower(c.Level)
	c.Format = strings.ToLower(c.Format)
	return c
}

// Validate rejects unknown levels and formats before a logger is built.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

// New creates a zap.Logger from the configuration. It is called once at
// startup; components receive the logger (or a Named child of it) and
// fall back to zap.NewNop when handed nil.
func New(config Config) (*zap.Logger, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	level, _ := zapcore.ParseLevel(config.Level)

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	return zap.New(
		zapcore.NewCore(encoder, sink, level),
		zap.AddCaller(),
		zap.Fields(zap.String("service", "kurodb")),
	), nil
}

// openSink resolves the output destination for the logs.
func openSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}

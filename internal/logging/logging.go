// Package logging builds the zap loggers used by outboxctl.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported encodings.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a logger at the given level ("debug", "info", "warn", "error").
// The json format uses the production profile, console the development one.
func New(level, format string) (*zap.Logger, error) {
	var parsed zapcore.Level
	if strings.TrimSpace(level) == "" {
		parsed = zapcore.InfoLevel
	} else if err := parsed.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case FormatJSON, "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

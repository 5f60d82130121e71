package livesync

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface used throughout the package.
// *zap.Logger satisfies it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Sync() error
}

var (
	validLevels    = []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"}
	validEncodings = []string{"json", "console"}
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level, debug, info, warn, error, dpanic, panic, fatal
	// default: "info"
	Level string `toml:"level" env:"LEVEL"`
	// Encoding, json or console
	// default: "json"
	Encoding string `toml:"encoding" env:"ENCODING"`
	// default: []string{"stderr"}
	OutputPaths []string `toml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultLogConfig returns the configuration used when none is provided.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:       "info",
		Encoding:    "json",
		OutputPaths: []string{"stderr"},
	}
}

// Validate checks level and encoding.
func (c *LogConfig) Validate() error {
	if !slices.Contains(validLevels, c.Level) {
		return fmt.Errorf("%w: log level %q must be one of: %s", ErrInvalidConfig, c.Level, strings.Join(validLevels, ", "))
	}
	if !slices.Contains(validEncodings, c.Encoding) {
		return fmt.Errorf("%w: log encoding %q must be 'json' or 'console'", ErrInvalidConfig, c.Encoding)
	}
	return nil
}

// NewLogger builds a zap logger from cfg. Empty fields fall back to defaults.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	defaults := DefaultLogConfig()
	if cfg == nil {
		cfg = defaults
	} else {
		merged := *cfg
		if merged.Level == "" {
			merged.Level = defaults.Level
		}
		if merged.Encoding == "" {
			merged.Encoding = defaults.Encoding
		}
		if len(merged.OutputPaths) == 0 {
			merged.OutputPaths = defaults.OutputPaths
		}
		cfg = &merged
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q: %v", ErrInvalidConfig, cfg.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Encoding == "console",
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.DPanicLevel))
	if err != nil {
		return nil, fmt.Errorf("livesync: build logger: %w", err)
	}
	return logger, nil
}

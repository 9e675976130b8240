package logger

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Defaults for the rotated log file
const (
	DefaultFileMaxSizeMB  = 5
	DefaultFileMaxBackups = 3
)

// FileConfig describes a size-rotated log file
type FileConfig struct {
	// Path of the active log file; empty disables file output
	Path string
	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept
	MaxBackups int
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum enabled logging level
	// Valid values: "debug", "info", "warn", "error"
	// Default: "info"
	Level string

	// Development enables development mode (human-readable output, stack traces)
	Development bool

	// Encoding sets the logger's encoding
	// Valid values: "json", "console"
	// Default: "json"
	Encoding string

	// OutputPaths is a list of URLs or file paths to write logging output to
	// Default: ["stdout"]
	OutputPaths []string

	// ErrorOutputPaths is a list of URLs or file paths to write error output to
	// Default: ["stderr"]
	ErrorOutputPaths []string

	// InitialFields is a collection of fields to add to the root logger
	InitialFields map[string]interface{}

	// File additionally writes every entry to a rotated file
	File *FileConfig
}

// NewDevelopment creates a development logger with reasonable defaults
// - Debug level enabled
// - Console encoding (human-readable)
// - Stack traces for warnings and above
func NewDevelopment() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config.Build()
}

// NewProduction creates a production logger with reasonable defaults
// - Info level enabled
// - JSON encoding
// - Sampling enabled
func NewProduction() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	return config.Build()
}

// New builds the process logger from the log section of the configuration.
// A file with a non-empty path receives a copy of stdout output.
func New(level, format string, file FileConfig) (*zap.Logger, error) {
	cfg := &Config{
		Level:       level,
		Encoding:    format,
		OutputPaths: []string{"stdout"},
		InitialFields: map[string]interface{}{
			"service": "stakebot",
		},
	}
	if format != "json" {
		cfg.Encoding = "console"
		cfg.Development = true
	}
	if file.Path != "" {
		cfg.File = &file
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a logger with the specified configuration
func NewWithConfig(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	// Set defaults
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	// Parse log level
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Development,
		Encoding:          cfg.Encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  cfg.ErrorOutputPaths,
		InitialFields:     cfg.InitialFields,
		DisableStacktrace: !cfg.Development,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.File != nil && cfg.File.Path != "" {
		fileCore := newFileCore(cfg, encoderConfig, level)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	return logger, nil
}

// newFileCore writes to a lumberjack-rotated file with the same encoding,
// level and initial fields as the primary output
func newFileCore(cfg *Config, encoderConfig zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	maxSize := cfg.File.MaxSizeMB
	if maxSize <= 0 {
		maxSize = DefaultFileMaxSizeMB
	}
	maxBackups := cfg.File.MaxBackups
	if maxBackups <= 0 {
		maxBackups = DefaultFileMaxBackups
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	})

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	keys := make([]string, 0, len(cfg.InitialFields))
	for k := range cfg.InitialFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, cfg.InitialFields[k]))
	}

	return zapcore.NewCore(encoder, writer, level).With(fields)
}

// WithComponent returns a logger with a "component" field
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithSubnet returns a logger tagged with a subnet id
func WithSubnet(logger *zap.Logger, subnet uint16) *zap.Logger {
	return logger.With(zap.Uint16("subnet", subnet))
}

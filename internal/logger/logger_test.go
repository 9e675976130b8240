package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestNewDevelopment tests development logger creation
func TestNewDevelopment(t *testing.T) {
	logger, err := NewDevelopment()
	if err != nil {
		t.Fatalf("NewDevelopment() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewDevelopment() returned nil logger")
	}
	logger.Info("test message")
}

// TestNewProduction tests production logger creation
func TestNewProduction(t *testing.T) {
	logger, err := NewProduction()
	if err != nil {
		t.Fatalf("NewProduction() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewProduction() returned nil logger")
	}
	logger.Info("test message")
}

// TestNewWithConfig tests logger creation with custom config
func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "empty config uses defaults", config: &Config{}},
		{name: "debug console", config: &Config{Level: "debug", Encoding: "console", Development: true}},
		{name: "warn json", config: &Config{Level: "warn", Encoding: "json"}},
		{name: "invalid level", config: &Config{Level: "loud"}, wantErr: true},
		{name: "invalid encoding", config: &Config{Encoding: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewWithConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("NewWithConfig() returned nil logger")
			}
		})
	}
}

// TestNew tests building the process logger with a file copy
func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stakebot.log")

	logger, err := New("info", "json", FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("block processed", zap.Uint64("block", 42))
	logger.Debug("filtered out")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"block":42`) {
		t.Errorf("log file missing structured field: %s", out)
	}
	if !strings.Contains(out, `"service":"stakebot"`) {
		t.Errorf("log file missing service field: %s", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Error("debug entry written at info level")
	}

	if _, err := New("verbose", "console", FileConfig{}); err == nil {
		t.Error("expected error for invalid level")
	}
}

// TestStructuredFields tests the helper field constructors
func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(&buf), zapcore.DebugLevel)
	base := zap.New(core)

	WithSubnet(WithComponent(base, "scheduler"), 7).Info("stake triggered")

	out := buf.String()
	for _, want := range []string{`"component":"scheduler"`, `"subnet":7`, `"msg":"stake triggered"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}

// TestNewWithConfig_RotatesFile tests that the log file is rotated by size
func TestNewWithConfig_RotatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stakebot.log")

	logger, err := NewWithConfig(&Config{
		Level:       "info",
		OutputPaths: []string{filepath.Join(dir, "primary.log")},
		File:        &FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2},
	})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	payload := strings.Repeat("x", 1024)
	for i := 0; i < 1500; i++ {
		logger.Info("filler", zap.Int("i", i), zap.String("payload", payload))
	}
	_ = logger.Sync()

	backups, err := filepath.Glob(filepath.Join(dir, "stakebot-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) == 0 {
		t.Fatal("expected at least one rotated log file")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("active log file missing: %v", err)
	}
	if info.Size() > 1<<20 {
		t.Errorf("active log file is %d bytes, larger than the rotation size", info.Size())
	}
}

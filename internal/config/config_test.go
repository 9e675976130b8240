package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := NewConfig()
	cfg.Wallet.Coldkey = "5Cold"
	cfg.Wallet.Hotkey = "5Hot"
	return cfg
}

// TestNewConfig tests creating a config with defaults
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg == nil {
		t.Fatal("NewConfig() returned nil")
	}

	if cfg.Chain.Endpoint != "ws://127.0.0.1:9944" {
		t.Errorf("Expected default endpoint, got %q", cfg.Chain.Endpoint)
	}
	if cfg.Stake.Amount != "0.05" {
		t.Errorf("Expected default stake amount 0.05, got %q", cfg.Stake.Amount)
	}
	if cfg.Stake.SubnetID != 63 {
		t.Errorf("Expected default subnet 63, got %d", cfg.Stake.SubnetID)
	}
	if cfg.Stake.Threshold != 2 {
		t.Errorf("Expected default threshold 2, got %d", cfg.Stake.Threshold)
	}
	if cfg.Submit.MaxRetries != 5 {
		t.Errorf("Expected default max retries 5, got %d", cfg.Submit.MaxRetries)
	}
	if cfg.Monitor.HeaderWaitTimeout != 15*time.Second {
		t.Errorf("Expected default header wait timeout 15s, got %v", cfg.Monitor.HeaderWaitTimeout)
	}
	if cfg.Monitor.QueueSize != 1024 {
		t.Errorf("Expected default queue size 1024, got %d", cfg.Monitor.QueueSize)
	}
	if !cfg.State.Persist {
		t.Error("Expected state persistence enabled by default")
	}
	if !cfg.Schedule.BlockNewStakesWhilePending {
		t.Error("Expected new stakes blocked while pending by default")
	}
	if cfg.Schedule.AllowOverlapTriggers {
		t.Error("Expected overlap triggers disabled by default")
	}
	if cfg.Log.MaxSizeMB != 5 || cfg.Log.MaxBackups != 3 {
		t.Errorf("Expected log rotation 5MB x 3, got %dMB x %d", cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:   "target hotkey only",
			mutate: func(c *Config) { c.Wallet.Hotkey = ""; c.Wallet.TargetHotkey = "5Validator" },
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Chain.Endpoint = "" },
			wantErr: true,
			errMsg:  "chain endpoint is required",
		},
		{
			name:    "missing coldkey",
			mutate:  func(c *Config) { c.Wallet.Coldkey = "" },
			wantErr: true,
			errMsg:  "wallet coldkey is required",
		},
		{
			name:    "missing hotkeys",
			mutate:  func(c *Config) { c.Wallet.Hotkey = "" },
			wantErr: true,
			errMsg:  "hotkey or target_hotkey",
		},
		{
			name:    "zero stake amount",
			mutate:  func(c *Config) { c.Stake.Amount = "0" },
			wantErr: true,
			errMsg:  "stake amount must be positive",
		},
		{
			name:    "unparseable stake amount",
			mutate:  func(c *Config) { c.Stake.Amount = "lots" },
			wantErr: true,
			errMsg:  "invalid stake amount",
		},
		{
			name:    "invalid tip",
			mutate:  func(c *Config) { c.Stake.Tip = "-1" },
			wantErr: true,
			errMsg:  "invalid tip",
		},
		{
			name:    "invalid subnet mode",
			mutate:  func(c *Config) { c.Stake.SubnetMode = "some" },
			wantErr: true,
			errMsg:  "invalid subnet mode",
		},
		{
			name:    "invalid threshold",
			mutate:  func(c *Config) { c.Stake.Threshold = -1 },
			wantErr: true,
			errMsg:  "threshold must be positive",
		},
		{
			name:    "invalid subscription mode",
			mutate:  func(c *Config) { c.Monitor.SubscriptionMode = "push" },
			wantErr: true,
			errMsg:  "invalid subscription mode",
		},
		{
			name:    "invalid backend",
			mutate:  func(c *Config) { c.State.Backend = "rocksdb" },
			wantErr: true,
			errMsg:  "invalid state backend",
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.State.Backend = "redis" },
			wantErr: true,
			errMsg:  "requires an address",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name:    "negative log backups",
			mutate:  func(c *Config) { c.Log.MaxBackups = -1 },
			wantErr: true,
			errMsg:  "log rotation",
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Enabled = true; c.API.Port = 70000 },
			wantErr: true,
			errMsg:  "invalid API port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

// TestLoadFromEnv tests loading configuration from environment variables
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STAKEBOT_CHAIN_ENDPOINT", "wss://entrypoint-finney.opentensor.ai:443")
	t.Setenv("STAKEBOT_CHAIN_TIMEOUT", "10s")
	t.Setenv("STAKEBOT_WALLET_COLDKEY", "5Cold")
	t.Setenv("STAKEBOT_WALLET_TARGET_HOTKEY", "5Validator")
	t.Setenv("STAKEBOT_STAKE_AMOUNT", "1.5")
	t.Setenv("STAKEBOT_STAKE_SUBNET_MODE", "any")
	t.Setenv("STAKEBOT_STAKE_EXCLUDED_SUBNETS", "0, 3,12")
	t.Setenv("STAKEBOT_STAKE_UNSTAKE_FULL", "true")
	t.Setenv("STAKEBOT_SUBMIT_RATE_PER_SECOND", "2.5")
	t.Setenv("STAKEBOT_MONITOR_SUBSCRIPTION_MODE", "poll")
	t.Setenv("STAKEBOT_SCHEDULE_COOLDOWN", "5m")
	t.Setenv("STAKEBOT_STATE_PERSIST", "false")
	t.Setenv("STAKEBOT_STATE_BACKEND", "pebble")
	t.Setenv("STAKEBOT_API_PORT", "9191")
	t.Setenv("STAKEBOT_LOG_MAX_SIZE_MB", "20")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Chain.Endpoint != "wss://entrypoint-finney.opentensor.ai:443" {
		t.Errorf("Chain.Endpoint = %q", cfg.Chain.Endpoint)
	}
	if cfg.Chain.Timeout != 10*time.Second {
		t.Errorf("Chain.Timeout = %v", cfg.Chain.Timeout)
	}
	if cfg.Wallet.Coldkey != "5Cold" || cfg.Wallet.TargetHotkey != "5Validator" {
		t.Errorf("Wallet = %+v", cfg.Wallet)
	}
	if cfg.Stake.Amount != "1.5" || cfg.Stake.SubnetMode != "any" || !cfg.Stake.UnstakeFull {
		t.Errorf("Stake = %+v", cfg.Stake)
	}
	if !reflect.DeepEqual(cfg.Stake.ExcludedSubnets, []uint16{0, 3, 12}) {
		t.Errorf("Stake.ExcludedSubnets = %v", cfg.Stake.ExcludedSubnets)
	}
	if cfg.Submit.RatePerSecond != 2.5 {
		t.Errorf("Submit.RatePerSecond = %v", cfg.Submit.RatePerSecond)
	}
	if cfg.Monitor.SubscriptionMode != "poll" {
		t.Errorf("Monitor.SubscriptionMode = %q", cfg.Monitor.SubscriptionMode)
	}
	if cfg.Schedule.Cooldown != 5*time.Minute {
		t.Errorf("Schedule.Cooldown = %v", cfg.Schedule.Cooldown)
	}
	if cfg.State.Persist || cfg.State.Backend != "pebble" {
		t.Errorf("State = %+v", cfg.State)
	}
	if cfg.API.Port != 9191 {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}
	if cfg.Log.MaxSizeMB != 20 {
		t.Errorf("Log.MaxSizeMB = %d", cfg.Log.MaxSizeMB)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"STAKEBOT_CHAIN_TIMEOUT", "soon"},
		{"STAKEBOT_STAKE_SUBNET_ID", "70000"},
		{"STAKEBOT_STAKE_EXCLUDED_SUBNETS", "1,x"},
		{"STAKEBOT_STAKE_THRESHOLD", "two"},
		{"STAKEBOT_STATE_PERSIST", "maybe"},
		{"STAKEBOT_SUBMIT_RATE_PER_SECOND", "fast"},
		{"STAKEBOT_LOG_MAX_BACKUPS", "many"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := NewConfig()
			err := cfg.LoadFromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err.Error(), tt.key)
			}
		})
	}
}

// TestLoadFromFile tests loading configuration from a YAML file
func TestLoadFromFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
chain:
  endpoint: ws://node:9944
  gateway_endpoint: ws://gateway:9955
  timeout: 20s
wallet:
  coldkey: 5Cold
  hotkey: 5Hot
stake:
  amount: "0.25"
  subnet_id: 12
  excluded_subnets: [1, 2]
monitor:
  header_wait_timeout: 5s
state:
  backend: redis
  redis:
    addr: localhost:6379
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Chain.GatewayEndpoint != "ws://gateway:9955" {
		t.Errorf("Chain.GatewayEndpoint = %q", cfg.Chain.GatewayEndpoint)
	}
	if cfg.Chain.Timeout != 20*time.Second {
		t.Errorf("Chain.Timeout = %v", cfg.Chain.Timeout)
	}
	if cfg.Stake.SubnetID != 12 || cfg.Stake.Amount != "0.25" {
		t.Errorf("Stake = %+v", cfg.Stake)
	}
	if cfg.Monitor.HeaderWaitTimeout != 5*time.Second {
		t.Errorf("Monitor.HeaderWaitTimeout = %v", cfg.Monitor.HeaderWaitTimeout)
	}
	if !cfg.State.Persist {
		t.Error("persist default lost when the key is absent")
	}
	if cfg.State.Redis.Addr != "localhost:6379" {
		t.Errorf("State.Redis.Addr = %q", cfg.State.Redis.Addr)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configFile, []byte("chain: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := cfg.LoadFromFile(configFile); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

// TestConfigPriority tests that environment variables override the file
func TestConfigPriority(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
chain:
  endpoint: ws://file:9944
wallet:
  coldkey: 5Cold
  hotkey: 5Hot
log:
  level: warn
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STAKEBOT_CHAIN_ENDPOINT", "ws://env:9944")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chain.Endpoint != "ws://env:9944" {
		t.Errorf("env should override file, got %q", cfg.Chain.Endpoint)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("file should override default, got %q", cfg.Log.Level)
	}
	if cfg.Monitor.PollInterval != 500*time.Millisecond {
		t.Errorf("default should fill missing value, got %v", cfg.Monitor.PollInterval)
	}
}

func TestParseTAO(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0.05", want: "50000000"},
		{in: "1", want: "1000000000"},
		{in: " 2.5 ", want: "2500000000"},
		{in: "0.000000001", want: "1"},
		{in: "0", want: "0"},
		{in: "0.0000000001", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTAO(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTAO(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseTAO(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestAmounts(t *testing.T) {
	cfg := validConfig()
	amount, err := cfg.StakeAmount()
	if err != nil || amount.String() != "50000000" {
		t.Errorf("StakeAmount() = %v, %v", amount, err)
	}
	tip, err := cfg.TipAmount()
	if err != nil || tip.Sign() != 0 {
		t.Errorf("TipAmount() = %v, %v", tip, err)
	}
	cfg.Stake.Tip = "0.001"
	tip, err = cfg.TipAmount()
	if err != nil || tip.String() != "1000000" {
		t.Errorf("TipAmount() = %v, %v", tip, err)
	}
}

func TestEnsureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	created, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile() error = %v", err)
	}
	if !created {
		t.Fatal("expected the default config to be written")
	}

	created, err = EnsureFile(path)
	if err != nil || created {
		t.Fatalf("second EnsureFile() = %v, %v", created, err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if !reflect.DeepEqual(cfg, NewConfig()) {
		t.Errorf("default config round trip mismatch:\n got %+v\nwant %+v", cfg, NewConfig())
	}

	// the written default has no wallet and must not validate
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "wallet coldkey is required") {
		t.Errorf("Load(default) error = %v", err)
	}
}

func TestAPIAddress(t *testing.T) {
	cfg := NewConfig()
	if got := cfg.API.Address(); got != "localhost:9090" {
		t.Errorf("Address() = %q", got)
	}
}

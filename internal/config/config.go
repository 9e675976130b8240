package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0xmhha/stakebot/internal/constants"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STAKEBOT_"

// Config holds all configuration for the bot
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Stake    StakeConfig    `yaml:"stake"`
	Submit   SubmitConfig   `yaml:"submit"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Schedule ScheduleConfig `yaml:"schedule"`
	State    StateConfig    `yaml:"state"`
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
}

// ChainConfig holds chain connection configuration
type ChainConfig struct {
	Endpoint string `yaml:"endpoint"`
	// GatewayEndpoint serves event decoding and signing (default: Endpoint)
	GatewayEndpoint string        `yaml:"gateway_endpoint"`
	Network         string        `yaml:"network"`
	Timeout         time.Duration `yaml:"timeout"`
}

// WalletConfig holds account addresses
type WalletConfig struct {
	// Coldkey pays for deposits and signs transactions
	Coldkey string `yaml:"coldkey"`
	// Hotkey is the wallet hotkey
	Hotkey string `yaml:"hotkey"`
	// TargetHotkey stakes to a chosen validator instead of Hotkey
	TargetHotkey string `yaml:"target_hotkey"`
}

// StakeConfig holds trigger and amount configuration. Amounts are in TAO.
type StakeConfig struct {
	Amount                string   `yaml:"amount"`
	Tip                   string   `yaml:"tip"`
	SubnetMode            string   `yaml:"subnet_mode"`
	SubnetID              uint16   `yaml:"subnet_id"`
	ExcludedSubnets       []uint16 `yaml:"excluded_subnets,omitempty"`
	Threshold             int      `yaml:"threshold"`
	UnstakeFull           bool     `yaml:"unstake_full"`
	UnstakeSignerFallback bool     `yaml:"unstake_signer_fallback"`
	SkipBalanceCheck      bool     `yaml:"skip_balance_check"`
}

// SubmitConfig holds submission retry configuration
type SubmitConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	WaitForInclusion    bool          `yaml:"wait_for_inclusion"`
	WaitForFinalization bool          `yaml:"wait_for_finalization"`
	// RatePerSecond limits submissions (0 = unlimited)
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// MonitorConfig holds block monitor configuration
type MonitorConfig struct {
	SubscriptionMode    string        `yaml:"subscription_mode"`
	HeaderWaitTimeout   time.Duration `yaml:"header_wait_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	QueueSize           int           `yaml:"queue_size"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// ScheduleConfig holds trigger gating configuration
type ScheduleConfig struct {
	AllowOverlapTriggers       bool          `yaml:"allow_overlap_triggers"`
	BlockNewStakesWhilePending bool          `yaml:"block_new_stakes_while_pending"`
	Cooldown                   time.Duration `yaml:"cooldown"`
}

// StateConfig holds schedule persistence configuration
type StateConfig struct {
	Persist bool        `yaml:"persist"`
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Key     string      `yaml:"key"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the redis backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File additionally writes logs to this path when set, rotated by size
	File string `yaml:"file"`
	// MaxSizeMB rotates the file at this size
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `yaml:"max_backups"`
}

// APIConfig holds ops API server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// RateLimitPerSecond limits requests per client (0 = unlimited)
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// Address returns the API listen address
func (c APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{
		State: StateConfig{Persist: true},
		Schedule: ScheduleConfig{
			BlockNewStakesWhilePending: true,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	// Chain defaults
	if c.Chain.Endpoint == "" {
		c.Chain.Endpoint = constants.DefaultEndpoint
	}
	if c.Chain.Network == "" {
		c.Chain.Network = constants.DefaultNetwork
	}
	if c.Chain.Timeout == 0 {
		c.Chain.Timeout = constants.DefaultRPCTimeout
	}

	// Stake defaults
	if c.Stake.Amount == "" {
		c.Stake.Amount = constants.DefaultStakeAmount
	}
	if c.Stake.SubnetMode == "" {
		c.Stake.SubnetMode = constants.DefaultSubnetMode
	}
	if c.Stake.SubnetID == 0 && c.Stake.SubnetMode == "single" {
		c.Stake.SubnetID = constants.DefaultSubnetID
	}
	if c.Stake.Threshold == 0 {
		c.Stake.Threshold = constants.DefaultThreshold
	}

	// Submit defaults
	if c.Submit.MaxRetries == 0 {
		c.Submit.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Submit.RetryBackoff == 0 {
		c.Submit.RetryBackoff = constants.DefaultRetryBackoff
	}
	if c.Submit.MaxBackoff == 0 {
		c.Submit.MaxBackoff = constants.DefaultMaxBackoff
	}

	// Monitor defaults
	if c.Monitor.SubscriptionMode == "" {
		c.Monitor.SubscriptionMode = constants.DefaultSubscriptionMode
	}
	if c.Monitor.HeaderWaitTimeout == 0 {
		c.Monitor.HeaderWaitTimeout = constants.DefaultHeaderWaitTimeout
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = constants.DefaultPollInterval
	}
	if c.Monitor.QueueSize == 0 {
		c.Monitor.QueueSize = constants.DefaultQueueSize
	}
	if c.Monitor.ReconnectBackoff == 0 {
		c.Monitor.ReconnectBackoff = constants.DefaultReconnectBackoff
	}
	if c.Monitor.MaxReconnectBackoff == 0 {
		c.Monitor.MaxReconnectBackoff = constants.DefaultMaxReconnectBackoff
	}

	// State defaults
	if c.State.Backend == "" {
		c.State.Backend = constants.DefaultStateBackend
	}
	if c.State.Path == "" {
		c.State.Path = constants.DefaultStatePath
	}
	if c.State.Key == "" {
		c.State.Key = constants.DefaultStateKey
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = constants.DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = constants.DefaultLogMaxBackups
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
}

// LoadFromEnv loads configuration from STAKEBOT_* environment variables
func (c *Config) LoadFromEnv() error {
	// Chain configuration
	envString("CHAIN_ENDPOINT", &c.Chain.Endpoint)
	envString("CHAIN_GATEWAY_ENDPOINT", &c.Chain.GatewayEndpoint)
	envString("CHAIN_NETWORK", &c.Chain.Network)
	if err := envDuration("CHAIN_TIMEOUT", &c.Chain.Timeout); err != nil {
		return err
	}

	// Wallet configuration
	envString("WALLET_COLDKEY", &c.Wallet.Coldkey)
	envString("WALLET_HOTKEY", &c.Wallet.Hotkey)
	envString("WALLET_TARGET_HOTKEY", &c.Wallet.TargetHotkey)

	// Stake configuration
	envString("STAKE_AMOUNT", &c.Stake.Amount)
	envString("STAKE_TIP", &c.Stake.Tip)
	envString("STAKE_SUBNET_MODE", &c.Stake.SubnetMode)
	if v := os.Getenv(EnvPrefix + "STAKE_SUBNET_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid %sSTAKE_SUBNET_ID: %w", EnvPrefix, err)
		}
		c.Stake.SubnetID = uint16(id)
	}
	if v := os.Getenv(EnvPrefix + "STAKE_EXCLUDED_SUBNETS"); v != "" {
		ids, err := parseSubnetList(v)
		if err != nil {
			return fmt.Errorf("invalid %sSTAKE_EXCLUDED_SUBNETS: %w", EnvPrefix, err)
		}
		c.Stake.ExcludedSubnets = ids
	}
	if err := envInt("STAKE_THRESHOLD", &c.Stake.Threshold); err != nil {
		return err
	}
	if err := envBool("STAKE_UNSTAKE_FULL", &c.Stake.UnstakeFull); err != nil {
		return err
	}
	if err := envBool("STAKE_UNSTAKE_SIGNER_FALLBACK", &c.Stake.UnstakeSignerFallback); err != nil {
		return err
	}
	if err := envBool("STAKE_SKIP_BALANCE_CHECK", &c.Stake.SkipBalanceCheck); err != nil {
		return err
	}

	// Submit configuration
	if err := envInt("SUBMIT_MAX_RETRIES", &c.Submit.MaxRetries); err != nil {
		return err
	}
	if err := envDuration("SUBMIT_RETRY_BACKOFF", &c.Submit.RetryBackoff); err != nil {
		return err
	}
	if err := envDuration("SUBMIT_MAX_BACKOFF", &c.Submit.MaxBackoff); err != nil {
		return err
	}
	if err := envBool("SUBMIT_WAIT_FOR_INCLUSION", &c.Submit.WaitForInclusion); err != nil {
		return err
	}
	if err := envBool("SUBMIT_WAIT_FOR_FINALIZATION", &c.Submit.WaitForFinalization); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "SUBMIT_RATE_PER_SECOND"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sSUBMIT_RATE_PER_SECOND: %w", EnvPrefix, err)
		}
		c.Submit.RatePerSecond = rate
	}
	if err := envInt("SUBMIT_BURST", &c.Submit.Burst); err != nil {
		return err
	}

	// Monitor configuration
	envString("MONITOR_SUBSCRIPTION_MODE", &c.Monitor.SubscriptionMode)
	if err := envDuration("MONITOR_HEADER_WAIT_TIMEOUT", &c.Monitor.HeaderWaitTimeout); err != nil {
		return err
	}
	if err := envDuration("MONITOR_POLL_INTERVAL", &c.Monitor.PollInterval); err != nil {
		return err
	}
	if err := envInt("MONITOR_QUEUE_SIZE", &c.Monitor.QueueSize); err != nil {
		return err
	}
	if err := envDuration("MONITOR_RECONNECT_BACKOFF", &c.Monitor.ReconnectBackoff); err != nil {
		return err
	}
	if err := envDuration("MONITOR_MAX_RECONNECT_BACKOFF", &c.Monitor.MaxReconnectBackoff); err != nil {
		return err
	}

	// Schedule configuration
	if err := envBool("SCHEDULE_ALLOW_OVERLAP_TRIGGERS", &c.Schedule.AllowOverlapTriggers); err != nil {
		return err
	}
	if err := envBool("SCHEDULE_BLOCK_NEW_STAKES_WHILE_PENDING", &c.Schedule.BlockNewStakesWhilePending); err != nil {
		return err
	}
	if err := envDuration("SCHEDULE_COOLDOWN", &c.Schedule.Cooldown); err != nil {
		return err
	}

	// State configuration
	if err := envBool("STATE_PERSIST", &c.State.Persist); err != nil {
		return err
	}
	envString("STATE_BACKEND", &c.State.Backend)
	envString("STATE_PATH", &c.State.Path)
	envString("STATE_KEY", &c.State.Key)
	envString("STATE_REDIS_ADDR", &c.State.Redis.Addr)
	envString("STATE_REDIS_PASSWORD", &c.State.Redis.Password)
	if err := envInt("STATE_REDIS_DB", &c.State.Redis.DB); err != nil {
		return err
	}

	// Log configuration
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("LOG_FILE", &c.Log.File)
	if err := envInt("LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB); err != nil {
		return err
	}
	if err := envInt("LOG_MAX_BACKUPS", &c.Log.MaxBackups); err != nil {
		return err
	}

	// API configuration
	if err := envBool("API_ENABLED", &c.API.Enabled); err != nil {
		return err
	}
	envString("API_HOST", &c.API.Host)
	if err := envInt("API_PORT", &c.API.Port); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "API_RATE_LIMIT_PER_SECOND"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sAPI_RATE_LIMIT_PER_SECOND: %w", EnvPrefix, err)
		}
		c.API.RateLimitPerSecond = rate
	}
	if err := envInt("API_RATE_LIMIT_BURST", &c.API.RateLimitBurst); err != nil {
		return err
	}

	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	val, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
	}
	*dst = val
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
	}
	*dst = val
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	val, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
	}
	*dst = val
	return nil
}

func parseSubnetList(s string) ([]uint16, error) {
	ids := make([]uint16, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint16(id))
	}
	return ids, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate chain configuration
	if c.Chain.Endpoint == "" {
		return fmt.Errorf("chain endpoint is required")
	}
	if c.Chain.Timeout <= 0 {
		return fmt.Errorf("chain timeout must be positive")
	}

	// Validate wallet configuration
	if c.Wallet.Coldkey == "" {
		return fmt.Errorf("wallet coldkey is required")
	}
	if c.Wallet.Hotkey == "" && c.Wallet.TargetHotkey == "" {
		return fmt.Errorf("wallet hotkey or target_hotkey is required")
	}

	// Validate stake configuration
	amount, err := ParseTAO(c.Stake.Amount)
	if err != nil {
		return fmt.Errorf("invalid stake amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("stake amount must be positive")
	}
	if c.Stake.Tip != "" {
		if _, err := ParseTAO(c.Stake.Tip); err != nil {
			return fmt.Errorf("invalid tip: %w", err)
		}
	}
	switch c.Stake.SubnetMode {
	case "single", "any":
	default:
		return fmt.Errorf("invalid subnet mode %q, must be one of: single, any", c.Stake.SubnetMode)
	}
	if c.Stake.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive")
	}

	// Validate submit configuration
	if c.Submit.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.Submit.RetryBackoff < 0 || c.Submit.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.Submit.RatePerSecond < 0 {
		return fmt.Errorf("submit rate cannot be negative")
	}

	// Validate monitor configuration
	validModes := map[string]bool{
		"auto":     true,
		"callback": true,
		"iterator": true,
		"poll":     true,
	}
	if !validModes[c.Monitor.SubscriptionMode] {
		return fmt.Errorf("invalid subscription mode %q, must be one of: auto, callback, iterator, poll", c.Monitor.SubscriptionMode)
	}
	if c.Monitor.QueueSize <= 0 {
		return fmt.Errorf("monitor queue size must be positive")
	}
	if c.Monitor.HeaderWaitTimeout <= 0 || c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor timeouts must be positive")
	}

	// Validate schedule configuration
	if c.Schedule.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}

	// Validate state configuration
	validBackends := map[string]bool{
		"file":   true,
		"pebble": true,
		"redis":  true,
		"memory": true,
	}
	if !validBackends[c.State.Backend] {
		return fmt.Errorf("invalid state backend %q, must be one of: file, pebble, redis, memory", c.State.Backend)
	}
	if c.State.Backend == "redis" && c.State.Redis.Addr == "" {
		return fmt.Errorf("redis state backend requires an address")
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation settings cannot be negative")
	}

	// Validate API configuration
	if c.API.Enabled && (c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort) {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}
	if c.API.RateLimitPerSecond < 0 || c.API.RateLimitBurst < 0 {
		return fmt.Errorf("API rate limit cannot be negative")
	}

	return nil
}

// StakeAmount returns the configured deposit amount in base units
func (c *Config) StakeAmount() (*big.Int, error) {
	return ParseTAO(c.Stake.Amount)
}

// TipAmount returns the configured tip in base units (zero when unset)
func (c *Config) TipAmount() (*big.Int, error) {
	if c.Stake.Tip == "" {
		return new(big.Int), nil
	}
	return ParseTAO(c.Stake.Tip)
}

// ParseTAO converts a decimal TAO amount to base units. Precision beyond
// one base unit is rejected.
func ParseTAO(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt64(constants.RaoPerTAO))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q is finer than one base unit", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// WriteDefault writes a default configuration file to path
func WriteDefault(path string) error {
	data, err := yaml.Marshal(NewConfig())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// EnsureFile writes a default configuration at path when none exists and
// reports whether it did
func EnsureFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := WriteDefault(path); err != nil {
		return false, err
	}
	return true, nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	// Load from file if provided
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (override file)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

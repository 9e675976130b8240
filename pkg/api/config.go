package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/0xmhha/stakebot/internal/constants"
)

// Config holds the ops API server configuration
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int

	// EnableRateLimit enables per-client request limiting
	EnableRateLimit    bool
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Host:               constants.DefaultAPIHost,
		Port:               constants.DefaultAPIPort,
		ReadTimeout:        constants.DefaultReadTimeout,
		WriteTimeout:       constants.DefaultWriteTimeout,
		IdleTimeout:        constants.DefaultIdleTimeout,
		ShutdownTimeout:    constants.DefaultShutdownTimeout,
		MaxHeaderBytes:     constants.DefaultMaxHeaderBytes,
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = constants.DefaultMaxHeaderBytes
	}
	if c.EnableRateLimit && (c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("rate limit requires positive rate and burst")
	}
	return nil
}

// Address returns the listen address
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

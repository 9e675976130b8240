package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/internal/config"
	"github.com/0xmhha/stakebot/internal/constants"
	"github.com/0xmhha/stakebot/internal/logger"
	"github.com/0xmhha/stakebot/internal/metrics"
	"github.com/0xmhha/stakebot/pkg/api"
	"github.com/0xmhha/stakebot/pkg/chain"
	"github.com/0xmhha/stakebot/pkg/chain/substrate"
	"github.com/0xmhha/stakebot/pkg/monitor"
	"github.com/0xmhha/stakebot/pkg/scheduler"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// defaultConfigFile is written on first run when no -config is given
const defaultConfigFile = "stakebot.yaml"

func main() {
	var (
		configFile  = flag.String("config", defaultConfigFile, "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		endpoint    = flag.String("endpoint", "", "Node websocket endpoint")
		mode        = flag.String("subscription-mode", "", "Header strategy (auto, callback, iterator, poll)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		unstakeNow  = flag.Int("unstake-now", -1, "Withdraw from the given subnet immediately and exit")
		skipBalance = flag.Bool("skip-balance-check", false, "Skip the startup balance preflight")

		// API server flags
		enableAPI = flag.Bool("api", false, "Enable ops API server")
		apiHost   = flag.String("api-host", "", "API server host")
		apiPort   = flag.Int("api-port", 0, "API server port")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("stakebot version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, created, err := loadConfig(*configFile)
	if created {
		fmt.Fprintf(os.Stderr, "Wrote default configuration to %s\n", *configFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyFlags(cfg, *endpoint, *mode, *logLevel, *logFormat, *skipBalance)
	applyAPIFlags(cfg, *enableAPI, *apiHost, *apiPort)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, logFileConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting stakebot",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("endpoint", cfg.Chain.Endpoint),
		zap.String("network", cfg.Chain.Network),
		zap.String("subnet_mode", cfg.Stake.SubnetMode),
		zap.Uint16("subnet_id", cfg.Stake.SubnetID),
		zap.Int("threshold", cfg.Stake.Threshold),
		zap.String("subscription_mode", cfg.Monitor.SubscriptionMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, log, *unstakeNow); err != nil {
		if errors.Is(err, scheduler.ErrInsufficientBalance) {
			log.Error("Balance preflight failed", zap.Error(err))
		} else {
			log.Error("stakebot stopped with error", zap.Error(err))
		}
		_ = log.Sync()
		os.Exit(1)
	}

	log.Info("stakebot stopped")
}

// run wires the components and blocks until ctx is cancelled. A
// non-negative unstakeSubnet runs a single withdrawal instead.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger, unstakeSubnet int) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry, constants.DefaultMetricsNamespace)

	comps, err := buildComponents(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer comps.Close()

	if unstakeSubnet >= 0 {
		return unstakeOnce(ctx, comps.scheduler, unstakeSubnet, log)
	}

	if !cfg.Stake.SkipBalanceCheck {
		amount, _ := cfg.StakeAmount()
		free, err := scheduler.Preflight(ctx, comps.client, cfg.Wallet.Coldkey, amount)
		if err != nil {
			return err
		}
		log.Info("Balance preflight passed",
			zap.String("free", free.String()),
			zap.String("required", amount.String()),
		)
	}

	comps.submitter.Warmup(ctx)

	mon, err := monitor.New(monitorConfig(cfg), headerDialer(cfg, log), log, m)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = startAPIServer(cfg, log, registry, comps.scheduler, mon, string(comps.store.Type()))
		if err != nil {
			return err
		}
	}

	log.Info("Monitoring blocks")
	err = mon.Run(ctx, comps.scheduler.OnBlock)

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
		if stopErr := apiServer.Stop(shutdownCtx); stopErr != nil {
			log.Error("Failed to stop API server", zap.Error(stopErr))
		}
		shutdownCancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// unstakeOnce submits an immediate withdrawal for subnet
func unstakeOnce(ctx context.Context, sched *scheduler.Scheduler, subnet int, log *zap.Logger) error {
	if subnet > int(^uint16(0)) {
		return fmt.Errorf("invalid subnet %d", subnet)
	}
	id := chain.SubnetID(subnet)
	log.Info("Unstaking immediately", zap.Uint16("subnet", uint16(id)))
	if err := sched.Withdraw(ctx, id); err != nil {
		return fmt.Errorf("unstake subnet %d: %w", subnet, err)
	}
	log.Info("Unstake submitted", zap.Uint16("subnet", uint16(id)))
	return nil
}

// startAPIServer starts the ops API in the background
func startAPIServer(cfg *config.Config, log *zap.Logger, registry *prometheus.Registry, sched *scheduler.Scheduler, mon *monitor.Monitor, backend string) (*api.Server, error) {
	apiConfig := apiServerConfig(cfg)

	server, err := api.NewServer(apiConfig, log, &api.ServerOptions{
		Schedule: sched,
		Blocks:   mon,
		Gatherer: registry,
		Version: api.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildTime: buildTime,
		},
		StateBackend: backend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("API server failed", zap.Error(err))
		}
	}()

	log.Info("API server started", zap.String("address", apiConfig.Address()))
	return server, nil
}

// apiServerConfig maps the api section
func apiServerConfig(cfg *config.Config) *api.Config {
	apiConfig := api.DefaultConfig()
	apiConfig.Host = cfg.API.Host
	apiConfig.Port = cfg.API.Port
	if cfg.API.RateLimitPerSecond > 0 {
		apiConfig.EnableRateLimit = true
		apiConfig.RateLimitPerSecond = cfg.API.RateLimitPerSecond
		if cfg.API.RateLimitBurst > 0 {
			apiConfig.RateLimitBurst = cfg.API.RateLimitBurst
		}
	}
	return apiConfig
}

// headerDialer opens a fresh header connection per monitor session
func headerDialer(cfg *config.Config, log *zap.Logger) monitor.Dialer {
	return func(ctx context.Context) (monitor.HeaderSource, error) {
		conn, err := substrate.DialHeaders(ctx, &substrate.Config{
			Endpoint: cfg.Chain.Endpoint,
			Timeout:  cfg.Chain.Timeout,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// loadConfig loads .env, creates the config file on first run and loads it
func loadConfig(configFile string) (*config.Config, bool, error) {
	if err := loadDotEnv(); err != nil {
		return nil, false, err
	}

	created := false
	if configFile != "" {
		var err error
		created, err = config.EnsureFile(configFile)
		if err != nil {
			return nil, false, err
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, created, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, created, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, endpoint, mode, logLevel, logFormat string, skipBalance bool) {
	if endpoint != "" {
		cfg.Chain.Endpoint = endpoint
	}
	if mode != "" {
		cfg.Monitor.SubscriptionMode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if skipBalance {
		cfg.Stake.SkipBalanceCheck = true
	}
}

// applyAPIFlags applies API-related command-line flags to configuration
func applyAPIFlags(cfg *config.Config, enableAPI bool, apiHost string, apiPort int) {
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
}

// logFileConfig maps the rotated log file settings
func logFileConfig(cfg *config.Config) logger.FileConfig {
	return logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
}

// monitorConfig maps the monitor section
func monitorConfig(cfg *config.Config) *monitor.Config {
	return &monitor.Config{
		Mode:                monitor.Mode(cfg.Monitor.SubscriptionMode),
		HeaderWaitTimeout:   cfg.Monitor.HeaderWaitTimeout,
		PollInterval:        cfg.Monitor.PollInterval,
		QueueSize:           cfg.Monitor.QueueSize,
		ReconnectBackoff:    cfg.Monitor.ReconnectBackoff,
		MaxReconnectBackoff: cfg.Monitor.MaxReconnectBackoff,
	}
}

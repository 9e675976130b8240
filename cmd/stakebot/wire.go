package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/internal/config"
	"github.com/0xmhha/stakebot/internal/metrics"
	"github.com/0xmhha/stakebot/pkg/chain"
	"github.com/0xmhha/stakebot/pkg/chain/substrate"
	"github.com/0xmhha/stakebot/pkg/events"
	"github.com/0xmhha/stakebot/pkg/scheduler"
	"github.com/0xmhha/stakebot/pkg/storage"
	"github.com/0xmhha/stakebot/pkg/submit"
)

// components holds the long-lived objects built from configuration
type components struct {
	client    *substrate.Client
	store     storage.Store
	submitter *submit.Submitter
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// Close releases the chain connections and the state store
func (c *components) Close() {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Warn("Failed to close chain client", zap.Error(err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("Failed to close state store", zap.Error(err))
		}
	}
}

// buildComponents opens the store, connects to the chain and restores the
// schedule. A state that cannot be loaded is fatal.
func buildComponents(ctx context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*components, error) {
	comps := &components{logger: log}

	store, err := storage.Open(storeConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	comps.store = store

	client, err := substrate.NewClient(ctx, &substrate.Config{
		Endpoint:        cfg.Chain.Endpoint,
		GatewayEndpoint: cfg.Chain.GatewayEndpoint,
		Network:         cfg.Chain.Network,
		Timeout:         cfg.Chain.Timeout,
		Logger:          log,
	})
	if err != nil {
		comps.Close()
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}
	comps.client = client
	log.Info("Connected to chain",
		zap.String("endpoint", cfg.Chain.Endpoint),
		zap.String("network", cfg.Chain.Network),
	)

	submitConfig, err := submitterConfig(cfg)
	if err != nil {
		comps.Close()
		return nil, err
	}
	submitter, err := submit.New(client, submitConfig, log, m)
	if err != nil {
		comps.Close()
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}
	comps.submitter = submitter

	schedConfig, err := schedulerConfig(cfg)
	if err != nil {
		comps.Close()
		return nil, err
	}
	sched, err := scheduler.New(schedConfig, client, events.NewClassifier(events.DefaultConfig(), log), submitter, store, log, m)
	if err != nil {
		comps.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Load(ctx); err != nil {
		comps.Close()
		return nil, err
	}
	comps.scheduler = sched

	return comps, nil
}

// storeConfig maps the state section. Persistence disabled selects the
// in-memory backend.
func storeConfig(cfg *config.Config) *storage.Config {
	if !cfg.State.Persist {
		return &storage.Config{Backend: storage.BackendTypeMemory}
	}
	return &storage.Config{
		Backend:      storage.BackendType(cfg.State.Backend),
		Path:         cfg.State.Path,
		Key:          cfg.State.Key,
		LegacySubnet: chain.SubnetID(cfg.Stake.SubnetID),
		Redis: storage.RedisConfig{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
		},
	}
}

// submitterConfig maps the wallet, stake and submit sections
func submitterConfig(cfg *config.Config) (*submit.Config, error) {
	tip, err := cfg.TipAmount()
	if err != nil {
		return nil, fmt.Errorf("invalid tip: %w", err)
	}
	return &submit.Config{
		Coldkey:             cfg.Wallet.Coldkey,
		Hotkey:              cfg.Wallet.Hotkey,
		TargetHotkey:        cfg.Wallet.TargetHotkey,
		SignerFallback:      cfg.Stake.UnstakeSignerFallback,
		UnstakeFull:         cfg.Stake.UnstakeFull,
		MaxRetries:          cfg.Submit.MaxRetries,
		RetryBackoff:        cfg.Submit.RetryBackoff,
		MaxBackoff:          cfg.Submit.MaxBackoff,
		Tip:                 tip,
		WaitForInclusion:    cfg.Submit.WaitForInclusion,
		WaitForFinalization: cfg.Submit.WaitForFinalization,
		RatePerSecond:       cfg.Submit.RatePerSecond,
		Burst:               cfg.Submit.Burst,
	}, nil
}

// schedulerConfig maps the stake and schedule sections
func schedulerConfig(cfg *config.Config) (*scheduler.Config, error) {
	amount, err := cfg.StakeAmount()
	if err != nil {
		return nil, fmt.Errorf("invalid stake amount: %w", err)
	}

	excluded := make([]chain.SubnetID, 0, len(cfg.Stake.ExcludedSubnets))
	for _, id := range cfg.Stake.ExcludedSubnets {
		excluded = append(excluded, chain.SubnetID(id))
	}

	self := []string{cfg.Wallet.Coldkey}
	if cfg.Wallet.Hotkey != "" {
		self = append(self, cfg.Wallet.Hotkey)
	}

	return &scheduler.Config{
		Threshold:                  cfg.Stake.Threshold,
		SubnetMode:                 scheduler.SubnetMode(cfg.Stake.SubnetMode),
		SubnetID:                   chain.SubnetID(cfg.Stake.SubnetID),
		Excluded:                   excluded,
		AllowOverlapTriggers:       cfg.Schedule.AllowOverlapTriggers,
		BlockNewStakesWhilePending: cfg.Schedule.BlockNewStakesWhilePending,
		Cooldown:                   cfg.Schedule.Cooldown,
		StakeAmount:                amount,
		Self:                       self,
	}, nil
}

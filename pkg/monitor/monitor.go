package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/internal/metrics"
	"github.com/0xmhha/stakebot/internal/retry"
	"github.com/0xmhha/stakebot/pkg/chain"
)

// Mode selects the header strategy
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeCallback Mode = "callback"
	ModeIterator Mode = "iterator"
	ModePoll     Mode = "poll"
)

// Default values
const (
	DefaultHeaderWaitTimeout   = 15 * time.Second
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultQueueSize           = 1024
	DefaultReconnectBackoff    = 1 * time.Second
	DefaultMaxReconnectBackoff = 8 * time.Second
)

var (
	// ErrQueueOverflow is returned when the callback queue is full
	ErrQueueOverflow = errors.New("header queue overflow")

	// ErrSubscriptionEnded is returned when a subscription stops without error
	ErrSubscriptionEnded = errors.New("header subscription ended")

	// errFallback moves strategy selection to the next strategy
	errFallback = errors.New("strategy unavailable")
)

// Config holds monitor configuration
type Config struct {
	Mode                Mode
	HeaderWaitTimeout   time.Duration
	PollInterval        time.Duration
	QueueSize           int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.HeaderWaitTimeout <= 0 {
		c.HeaderWaitTimeout = DefaultHeaderWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.MaxReconnectBackoff < c.ReconnectBackoff {
		c.MaxReconnectBackoff = DefaultMaxReconnectBackoff
		if c.MaxReconnectBackoff < c.ReconnectBackoff {
			c.MaxReconnectBackoff = c.ReconnectBackoff
		}
	}
}

// HeaderSource is a header connection. Implementations may additionally
// implement chain.HeaderSubscriber and chain.HeaderIterable.
type HeaderSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	Close() error
}

// Dialer opens a fresh header connection
type Dialer func(ctx context.Context) (HeaderSource, error)

// Handler consumes one block number. Errors other than context
// cancellation are logged and do not stop the monitor.
type Handler func(ctx context.Context, block uint64) error

// Monitor delivers new block numbers in strictly increasing order, at most
// once each, using the best strategy the header connection offers
type Monitor struct {
	config  *Config
	dial    Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics
	backoff retry.Backoff

	last    atomic.Uint64
	hasLast atomic.Bool
}

// New creates a monitor
func New(config *Config, dial Dialer, logger *zap.Logger, m *metrics.Metrics) (*Monitor, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if config == nil {
		config = &Config{}
	}
	switch config.Mode {
	case "", ModeAuto, ModeCallback, ModeIterator, ModePoll:
	default:
		return nil, fmt.Errorf("invalid subscription mode: %q", config.Mode)
	}
	config.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		config:  config,
		dial:    dial,
		logger:  logger.Named("monitor"),
		metrics: m,
		backoff: retry.Backoff{Base: config.ReconnectBackoff, Max: config.MaxReconnectBackoff},
	}, nil
}

// LastDelivered returns the last block number handed to the handler
func (m *Monitor) LastDelivered() (uint64, bool) {
	return m.last.Load(), m.hasLast.Load()
}

// Run delivers block numbers to handler until ctx is cancelled, reconnecting
// with exponential backoff on any session error. It returns ctx.Err().
func (m *Monitor) Run(ctx context.Context, handler Handler) error {
	delay := m.config.ReconnectBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivered, err := m.session(ctx, handler)
		if ctx.Err() != nil {
			m.logger.Info("Monitor stopped")
			return ctx.Err()
		}

		var wait time.Duration
		wait, delay = m.nextBackoff(delay, delivered)

		m.metrics.RecordReconnect()
		m.logger.Warn("Header session ended, reconnecting",
			zap.Error(err),
			zap.Int("delivered", delivered),
			zap.Duration("backoff", wait),
		)
		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// nextBackoff returns the wait before the next reconnect and the delay to
// carry forward. A session that delivered a block resets to the base.
func (m *Monitor) nextBackoff(current time.Duration, delivered int) (wait, next time.Duration) {
	if delivered > 0 || current <= 0 {
		current = m.config.ReconnectBackoff
	}
	return current, m.backoff.Next(current)
}

// session dials a connection and runs strategies in order of preference
// until one fails with a non-fallback error
func (m *Monitor) session(ctx context.Context, handler Handler) (int, error) {
	src, err := m.dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("dial header connection: %w", err)
	}
	defer src.Close()

	total := 0
	for _, mode := range m.strategies(src) {
		m.metrics.SetStrategy(string(mode))
		m.logger.Info("Using header strategy", zap.String("strategy", string(mode)))

		var n int
		switch mode {
		case ModeCallback:
			n, err = m.runCallback(ctx, src.(chain.HeaderSubscriber), handler)
		case ModeIterator:
			n, err = m.runIterator(ctx, src.(chain.HeaderIterable), handler)
		default:
			n, err = m.runPoll(ctx, src, handler)
		}
		total += n

		if errors.Is(err, errFallback) {
			m.logger.Info("Header strategy unavailable, falling back",
				zap.String("strategy", string(mode)),
			)
			continue
		}
		return total, err
	}
	return total, ErrSubscriptionEnded
}

// strategies returns the ordered strategies for src. Polling is always last.
func (m *Monitor) strategies(src HeaderSource) []Mode {
	_, canCallback := src.(chain.HeaderSubscriber)
	_, canIterate := src.(chain.HeaderIterable)

	var out []Mode
	switch m.config.Mode {
	case ModePoll:
	case ModeCallback:
		if canCallback {
			out = append(out, ModeCallback)
		} else {
			m.logger.Warn("Callback mode requested but not supported by the connection")
		}
	case ModeIterator:
		if canIterate {
			out = append(out, ModeIterator)
		} else {
			m.logger.Warn("Iterator mode requested but not supported by the connection")
		}
	default:
		if canCallback {
			out = append(out, ModeCallback)
		}
		if canIterate {
			out = append(out, ModeIterator)
		}
	}
	return append(out, ModePoll)
}

// runCallback runs the blocking subscription on its own goroutine, which
// only produces into a bounded queue. No header within HeaderWaitTimeout
// of the start abandons the strategy.
func (m *Monitor) runCallback(ctx context.Context, sub chain.HeaderSubscriber, handler Handler) (int, error) {
	subCtx, cancel := context.WithCancel(ctx)
	queue := make(chan chain.Header, m.config.QueueSize)
	overflow := make(chan struct{})
	done := make(chan error, 1)

	var once sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		done <- sub.SubscribeHeaders(subCtx, func(h chain.Header) {
			select {
			case queue <- h:
			default:
				once.Do(func() { close(overflow) })
			}
		})
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	timer := time.NewTimer(m.config.HeaderWaitTimeout)
	defer timer.Stop()
	timeout := timer.C

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()

		case <-overflow:
			n, err := m.drain(ctx, queue, handler)
			delivered += n
			if err != nil {
				return delivered, err
			}
			return delivered, fmt.Errorf("%w (capacity %d)", ErrQueueOverflow, m.config.QueueSize)

		case err := <-done:
			n, derr := m.drain(ctx, queue, handler)
			delivered += n
			if derr != nil {
				return delivered, derr
			}
			if err == nil {
				err = ErrSubscriptionEnded
			}
			return delivered, fmt.Errorf("header subscription: %w", err)

		case <-timeout:
			m.logger.Info("No headers received in time",
				zap.Duration("timeout", m.config.HeaderWaitTimeout),
			)
			return delivered, errFallback

		case h := <-queue:
			ok, err := m.deliverHeader(ctx, h, handler)
			if ok && timeout != nil {
				timer.Stop()
				timeout = nil
			}
			if ok {
				delivered++
			}
			if err != nil {
				return delivered, err
			}
		}
	}
}

// drain delivers headers already queued when the subscription stops
func (m *Monitor) drain(ctx context.Context, queue <-chan chain.Header, handler Handler) (int, error) {
	delivered := 0
	for {
		select {
		case h := <-queue:
			ok, err := m.deliverHeader(ctx, h, handler)
			if ok {
				delivered++
			}
			if err != nil {
				return delivered, err
			}
		default:
			return delivered, nil
		}
	}
}

// runIterator consumes a blocking header sequence. Like the callback
// strategy, no header within HeaderWaitTimeout abandons it.
func (m *Monitor) runIterator(ctx context.Context, src chain.HeaderIterable, handler Handler) (int, error) {
	it, err := src.IterateHeaders(ctx)
	if errors.Is(err, chain.ErrUnsupported) {
		return 0, errFallback
	}
	if err != nil {
		return 0, fmt.Errorf("iterate headers: %w", err)
	}
	defer it.Close()

	waitCtx, cancelWait := context.WithTimeout(ctx, m.config.HeaderWaitTimeout)
	defer cancelWait()
	nextCtx, waiting := waitCtx, true

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		h, err := it.Next(nextCtx)
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if waiting && waitCtx.Err() != nil {
				m.logger.Info("No headers received in time",
					zap.Duration("timeout", m.config.HeaderWaitTimeout),
				)
				return delivered, errFallback
			}
			if errors.Is(err, io.EOF) {
				err = ErrSubscriptionEnded
			}
			return delivered, fmt.Errorf("header iterator: %w", err)
		}
		ok, err := m.deliverHeader(ctx, h, handler)
		if ok {
			delivered++
			if waiting {
				cancelWait()
				nextCtx, waiting = ctx, false
			}
		}
		if err != nil {
			return delivered, err
		}
	}
}

// runPoll asks for the current block every PollInterval
func (m *Monitor) runPoll(ctx context.Context, src HeaderSource, handler Handler) (int, error) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	delivered := 0
	for {
		n, err := src.CurrentBlock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("poll current block: %w", err)
		}
		ok, err := m.emit(ctx, n, handler)
		if ok {
			delivered++
		}
		if err != nil {
			return delivered, err
		}

		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-ticker.C:
		}
	}
}

// deliverHeader parses h and emits its number; malformed headers are dropped
func (m *Monitor) deliverHeader(ctx context.Context, h chain.Header, handler Handler) (bool, error) {
	n, err := h.Number()
	if err != nil {
		m.metrics.RecordBlockDropped("malformed")
		m.logger.Debug("Dropping malformed header", zap.Error(err))
		return false, nil
	}
	return m.emit(ctx, n, handler)
}

// emit hands n to handler unless it is not above the last delivered number
func (m *Monitor) emit(ctx context.Context, n uint64, handler Handler) (bool, error) {
	if m.hasLast.Load() && n <= m.last.Load() {
		m.metrics.RecordBlockDropped("duplicate")
		return false, nil
	}
	m.last.Store(n)
	m.hasLast.Store(true)
	m.metrics.RecordBlockDelivered()

	if err := handler(ctx, n); err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		m.logger.Warn("Block handler failed", zap.Uint64("block", n), zap.Error(err))
	}
	return true, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/internal/metrics"
	"github.com/0xmhha/stakebot/pkg/chain"
	"github.com/0xmhha/stakebot/pkg/storage"
	"github.com/0xmhha/stakebot/pkg/submit"
)

// SubnetMode selects which subnets may trigger
type SubnetMode string

const (
	// SubnetModeSingle only reacts to Config.SubnetID
	SubnetModeSingle SubnetMode = "single"
	// SubnetModeAny reacts to every subnet
	SubnetModeAny SubnetMode = "any"
)

// DefaultThreshold is the default per-block deposit event count that triggers
const DefaultThreshold = 2

// Config holds scheduler configuration
type Config struct {
	Threshold  int
	SubnetMode SubnetMode
	SubnetID   chain.SubnetID
	Excluded   []chain.SubnetID

	// AllowOverlapTriggers lets a subnet re-trigger while its own withdrawal is pending
	AllowOverlapTriggers bool
	// BlockNewStakesWhilePending blocks every trigger while any withdrawal is pending
	BlockNewStakesWhilePending bool
	// Cooldown suspends trigger evaluation after a successful withdrawal (0 = off)
	Cooldown time.Duration

	// StakeAmount is deposited on every trigger and withdrawn unless an exact
	// self-deposit amount was observed
	StakeAmount *big.Int
	// Self lists the accounts whose deposits are recognized as our own
	Self []string
}

// EventSource fetches per-block events
type EventSource interface {
	BlockHash(ctx context.Context, number uint64) (string, error)
	Events(ctx context.Context, blockHash string) ([]chain.RawEvent, error)
}

// Classifier counts trigger events per subnet
type Classifier interface {
	Count(events []chain.RawEvent) map[chain.SubnetID]int
	SelfDeposits(events []chain.RawEvent, self []string) map[chain.SubnetID]*big.Int
}

// Submitter submits deposits and withdrawals
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*submit.Result, error)
}

// Scheduler owns per-subnet scheduled actions and decides, per block, which
// withdrawals are due and which subnets trigger a deposit. All mutating
// methods must be called from a single goroutine.
type Scheduler struct {
	config     *Config
	source     EventSource
	classifier Classifier
	submitter  Submitter
	store      storage.Store
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	excluded    map[chain.SubnetID]struct{}
	lastStaked  map[chain.SubnetID]uint64
	pending     map[chain.SubnetID]uint64
	amounts     map[chain.SubnetID]*big.Int
	withdrawnAt map[chain.SubnetID]uint64

	lastBlock     uint64
	started       bool
	cooldownUntil time.Time

	snapshot atomic.Pointer[Snapshot]
}

// New creates a scheduler
func New(config *Config, source EventSource, classifier Classifier, submitter Submitter, store storage.Store, logger *zap.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if source == nil || classifier == nil || submitter == nil {
		return nil, fmt.Errorf("event source, classifier and submitter are required")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.StakeAmount == nil || config.StakeAmount.Sign() <= 0 {
		return nil, fmt.Errorf("stake amount must be positive")
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	switch config.SubnetMode {
	case "":
		config.SubnetMode = SubnetModeAny
	case SubnetModeSingle, SubnetModeAny:
	default:
		return nil, fmt.Errorf("invalid subnet mode: %q", config.SubnetMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		config:      config,
		source:      source,
		classifier:  classifier,
		submitter:   submitter,
		store:       store,
		logger:      logger.Named("scheduler"),
		metrics:     m,
		now:         time.Now,
		excluded:    make(map[chain.SubnetID]struct{}),
		lastStaked:  make(map[chain.SubnetID]uint64),
		pending:     make(map[chain.SubnetID]uint64),
		amounts:     make(map[chain.SubnetID]*big.Int),
		withdrawnAt: make(map[chain.SubnetID]uint64),
	}
	for _, id := range config.Excluded {
		s.excluded[id] = struct{}{}
	}
	s.publish()
	return s, nil
}

// SetClock replaces the wall clock used for cooldown
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Load restores persisted state
func (s *Scheduler) Load(ctx context.Context) error {
	st, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedule state: %w", err)
	}

	s.lastStaked = make(map[chain.SubnetID]uint64, len(st.LastStakedBlocks))
	for k, v := range st.LastStakedBlocks {
		s.lastStaked[k] = v
	}
	s.pending = make(map[chain.SubnetID]uint64, len(st.PendingUnstakeBlocks))
	for k, v := range st.PendingUnstakeBlocks {
		s.pending[k] = v
	}
	s.amounts = make(map[chain.SubnetID]*big.Int, len(st.UnstakeAmounts))
	for k, v := range st.UnstakeAmounts {
		s.amounts[k] = new(big.Int).Set(v)
	}

	s.logger.Info("Schedule state loaded",
		zap.String("backend", string(s.store.Type())),
		zap.Int("pending", len(s.pending)),
		zap.Int("staked_subnets", len(s.lastStaked)),
	)
	for _, id := range sortedSubnets(s.pending) {
		s.logger.Info("Resuming pending withdrawal",
			zap.Uint16("subnet", uint16(id)),
			zap.Uint64("due_block", s.pending[id]),
		)
	}
	s.publish()
	return nil
}

// OnBlock runs due withdrawals and then trigger evaluation for block B.
// Blocks at or below the last processed one are ignored. Only context
// cancellation is returned as an error.
func (s *Scheduler) OnBlock(ctx context.Context, block uint64) error {
	if s.started && block <= s.lastBlock {
		s.logger.Debug("Ignoring already processed block",
			zap.Uint64("block", block),
			zap.Uint64("last_block", s.lastBlock),
		)
		return nil
	}
	s.started = true
	s.lastBlock = block
	start := s.now()
	defer func() {
		s.metrics.ObserveBlock(block, s.now().Sub(start))
		s.publish()
	}()

	s.logger.Debug("New block", zap.Uint64("block", block))

	// Events are read before due withdrawals run so that an own deposit
	// included in this block sets the amount they withdraw
	var pre *fetchedEvents
	if s.hasDue(block) {
		evs, err := s.fetchEvents(ctx, block)
		pre = &fetchedEvents{events: evs, err: err}
		if err != nil {
			s.metrics.RecordEventFetchError()
		} else {
			s.recordSelfDeposits(ctx, evs)
		}
	}

	s.ExecutePendingWithdrawals(ctx, block)
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.evaluateTrigger(ctx, block, pre); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Trigger evaluation skipped", zap.Uint64("block", block), zap.Error(err))
	}
	return nil
}

// ExecutePendingWithdrawals submits every withdrawal due at or before block,
// in ascending subnet order, and returns how many succeeded. Failed
// withdrawals keep their record and are retried on the next block.
func (s *Scheduler) ExecutePendingWithdrawals(ctx context.Context, block uint64) int {
	done := 0
	for _, id := range sortedSubnets(s.pending) {
		due := s.pending[id]
		if due > block {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		log := s.logger.With(
			zap.Uint16("subnet", uint16(id)),
			zap.Uint64("block", block),
			zap.Uint64("due_block", due),
		)
		log.Info("Withdrawal due")

		if err := s.withdraw(ctx, id, block); err != nil {
			log.Warn("Withdrawal failed, will retry next block", zap.Error(err))
			continue
		}
		done++
	}
	return done
}

// Withdraw immediately submits a withdrawal for subnet and clears any
// pending record on success
func (s *Scheduler) Withdraw(ctx context.Context, subnet chain.SubnetID) error {
	err := s.withdraw(ctx, subnet, s.lastBlock)
	s.publish()
	return err
}

func (s *Scheduler) withdraw(ctx context.Context, id chain.SubnetID, block uint64) error {
	res, err := s.submitter.Submit(context.WithoutCancel(ctx), submit.Request{
		Action: submit.Withdrawal,
		Subnet: id,
		Amount: s.withdrawAmount(id),
	})
	if err != nil {
		return err
	}

	delete(s.pending, id)
	delete(s.amounts, id)
	s.withdrawnAt[id] = block
	s.persist(ctx)

	s.logger.Info("Withdrawal submitted",
		zap.Uint16("subnet", uint16(id)),
		zap.Uint64("block", block),
		zap.String("tx", string(res.TxID)),
	)

	if s.config.Cooldown > 0 {
		s.cooldownUntil = s.now().Add(s.config.Cooldown)
		s.metrics.UpdateCooldown(true)
		s.logger.Info("Cooldown started", zap.Duration("cooldown", s.config.Cooldown))
	}
	return nil
}

// hasDue reports whether any withdrawal is due at or before block
func (s *Scheduler) hasDue(block uint64) bool {
	for _, due := range s.pending {
		if due <= block {
			return true
		}
	}
	return false
}

func (s *Scheduler) withdrawAmount(id chain.SubnetID) *big.Int {
	if amt, ok := s.amounts[id]; ok && amt.Sign() > 0 {
		return new(big.Int).Set(amt)
	}
	return new(big.Int).Set(s.config.StakeAmount)
}

// InCooldown reports whether trigger evaluation is currently suspended
func (s *Scheduler) InCooldown() bool {
	if s.cooldownUntil.IsZero() {
		return false
	}
	if s.now().Before(s.cooldownUntil) {
		return true
	}
	s.cooldownUntil = time.Time{}
	s.metrics.UpdateCooldown(false)
	return false
}

// EvaluateTrigger fetches and classifies the events of block and submits a
// deposit for each eligible subnet in ascending order. Gating is re-checked
// after every deposit. It returns the number of deposits submitted.
func (s *Scheduler) EvaluateTrigger(ctx context.Context, block uint64) (int, error) {
	return s.evaluateTrigger(ctx, block, nil)
}

// fetchedEvents carries the outcome of an earlier fetch for the same block
type fetchedEvents struct {
	events []chain.RawEvent
	err    error
}

func (s *Scheduler) evaluateTrigger(ctx context.Context, block uint64, pre *fetchedEvents) (int, error) {
	if s.InCooldown() {
		s.logger.Debug("Cooldown active, skipping trigger evaluation",
			zap.Uint64("block", block),
			zap.Time("until", s.cooldownUntil),
		)
		return 0, nil
	}

	var evs []chain.RawEvent
	if pre != nil {
		if pre.err != nil {
			return 0, pre.err
		}
		evs = pre.events
	} else {
		var err error
		evs, err = s.fetchEvents(ctx, block)
		if err != nil {
			s.metrics.RecordEventFetchError()
			return 0, err
		}
		s.recordSelfDeposits(ctx, evs)
	}

	counts := s.classifier.Count(evs)
	fired := 0
	for _, id := range sortedSubnets(counts) {
		count := counts[id]
		log := s.logger.With(
			zap.Uint16("subnet", uint16(id)),
			zap.Uint64("block", block),
			zap.Int("count", count),
		)

		if count < s.config.Threshold {
			log.Debug("Below threshold", zap.Int("threshold", s.config.Threshold))
			continue
		}
		if !s.selected(id) {
			continue
		}
		if s.lastStaked[id] == block {
			log.Debug("Already staked at this block")
			continue
		}
		if at, ok := s.withdrawnAt[id]; ok && at == block {
			log.Debug("Withdrawn at this block")
			continue
		}
		if reason := s.gated(id); reason != "" {
			log.Info("Trigger suppressed", zap.String("reason", reason))
			s.metrics.RecordTrigger("gated")
			continue
		}
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}

		log.Info("Trigger fired", zap.Int("threshold", s.config.Threshold))
		res, err := s.submitter.Submit(context.WithoutCancel(ctx), submit.Request{
			Action: submit.Deposit,
			Subnet: id,
			Amount: new(big.Int).Set(s.config.StakeAmount),
		})
		if err != nil {
			log.Warn("Deposit failed, nothing scheduled", zap.Error(err))
			s.metrics.RecordTrigger("failed")
			continue
		}

		s.lastStaked[id] = block
		s.pending[id] = block + 1
		s.persist(ctx)
		s.metrics.RecordTrigger("fired")
		fired++

		log.Info("Deposit submitted, withdrawal scheduled",
			zap.String("tx", string(res.TxID)),
			zap.Uint64("unstake_block", block+1),
		)
	}
	return fired, nil
}

func (s *Scheduler) fetchEvents(ctx context.Context, block uint64) ([]chain.RawEvent, error) {
	hash, err := s.source.BlockHash(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("block hash %d: %w", block, err)
	}
	if hash == "" {
		return nil, fmt.Errorf("block hash %d: %w", block, chain.ErrBlockNotFound)
	}
	evs, err := s.source.Events(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("events of block %d: %w", block, err)
	}
	return evs, nil
}

// recordSelfDeposits stores the exact amount of our own included deposits
// against the matching pending withdrawal
func (s *Scheduler) recordSelfDeposits(ctx context.Context, evs []chain.RawEvent) {
	if len(s.config.Self) == 0 || len(s.pending) == 0 {
		return
	}
	changed := false
	for id, amt := range s.classifier.SelfDeposits(evs, s.config.Self) {
		if _, ok := s.pending[id]; !ok {
			continue
		}
		s.amounts[id] = amt
		changed = true
		s.logger.Info("Recorded own deposit amount",
			zap.Uint16("subnet", uint16(id)),
			zap.String("amount", amt.String()),
		)
	}
	if changed {
		s.persist(ctx)
	}
}

func (s *Scheduler) selected(id chain.SubnetID) bool {
	if _, ok := s.excluded[id]; ok {
		return false
	}
	if s.config.SubnetMode == SubnetModeSingle {
		return id == s.config.SubnetID
	}
	return true
}

// gated returns a non-empty reason when gating suppresses a trigger on id
func (s *Scheduler) gated(id chain.SubnetID) string {
	if s.config.BlockNewStakesWhilePending && len(s.pending) > 0 {
		return "withdrawal pending"
	}
	if _, ok := s.pending[id]; ok && !s.config.AllowOverlapTriggers {
		return "withdrawal pending on subnet"
	}
	return ""
}

func (s *Scheduler) persist(ctx context.Context) {
	st := storage.NewScheduleState()
	st.UpdatedAt = s.now().UTC()
	for k, v := range s.lastStaked {
		st.LastStakedBlocks[k] = v
	}
	for k, v := range s.pending {
		st.PendingUnstakeBlocks[k] = v
	}
	for k, v := range s.amounts {
		st.UnstakeAmounts[k] = new(big.Int).Set(v)
	}

	if err := s.store.Save(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Error("Failed to persist schedule state", zap.Error(err))
	}
	s.metrics.UpdatePendingActions(len(s.pending))
	s.publish()
}

func sortedSubnets[V any](m map[chain.SubnetID]V) []chain.SubnetID {
	ids := make([]chain.SubnetID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ErrInsufficientBalance is returned by Preflight when the free balance
// cannot cover the stake amount
var ErrInsufficientBalance = errors.New("insufficient balance")

// Preflight checks that account can afford required
func Preflight(ctx context.Context, balances chain.BalanceReader, account string, required *big.Int) (*big.Int, error) {
	free, err := balances.FreeBalance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", account, err)
	}
	if free.Cmp(required) < 0 {
		return free, fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, account, free, required)
	}
	return free, nil
}

package scheduler

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/stakebot/internal/metrics"
	"github.com/0xmhha/stakebot/internal/testutil"
	"github.com/0xmhha/stakebot/pkg/chain"
	"github.com/0xmhha/stakebot/pkg/events"
	"github.com/0xmhha/stakebot/pkg/storage"
	"github.com/0xmhha/stakebot/pkg/submit"
)

type harness struct {
	sched   *Scheduler
	fake    *testutil.FakeChain
	store   *storage.MemoryStore
	metrics *metrics.Metrics
}

func newTestConfig() *Config {
	return &Config{
		Threshold:   2,
		SubnetMode:  SubnetModeAny,
		StakeAmount: big.NewInt(1_000_000_000),
	}
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	fake := testutil.NewFakeChain()
	store := storage.NewMemoryStore()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")

	sub, err := submit.New(fake, &submit.Config{
		Coldkey:    "5Cold",
		Hotkey:     "5Hot",
		MaxRetries: 1,
	}, nil, m)
	require.NoError(t, err)

	sched, err := New(cfg, fake, events.NewClassifier(nil, nil), sub, store, nil, m)
	require.NoError(t, err)
	return &harness{sched: sched, fake: fake, store: store, metrics: m}
}

func (h *harness) submittedSubnets(function string) []chain.SubnetID {
	var out []chain.SubnetID
	for _, s := range h.fake.Submissions() {
		if s.Call.Function == function {
			out = append(out, chain.SubnetID(s.Call.Params["netuid"].(uint16)))
		}
	}
	return out
}

func blockEvents(groups ...[]chain.RawEvent) []chain.RawEvent {
	var out []chain.RawEvent
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	fake := testutil.NewFakeChain()
	store := storage.NewMemoryStore()
	sub, err := submit.New(fake, &submit.Config{Coldkey: "5Cold", Hotkey: "5Hot"}, nil, nil)
	require.NoError(t, err)
	cls := events.NewClassifier(nil, nil)

	_, err = New(nil, fake, cls, sub, store, nil, nil)
	assert.Error(t, err)

	_, err = New(newTestConfig(), nil, cls, sub, store, nil, nil)
	assert.Error(t, err)

	_, err = New(newTestConfig(), fake, cls, sub, nil, nil, nil)
	assert.Error(t, err)

	cfg := newTestConfig()
	cfg.StakeAmount = big.NewInt(0)
	_, err = New(cfg, fake, cls, sub, store, nil, nil)
	assert.Error(t, err)

	cfg = newTestConfig()
	cfg.SubnetMode = "some"
	_, err = New(cfg, fake, cls, sub, store, nil, nil)
	assert.Error(t, err)

	cfg = newTestConfig()
	cfg.Threshold = 0
	cfg.SubnetMode = ""
	s, err := New(cfg, fake, cls, sub, store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, s.config.Threshold)
	assert.Equal(t, SubnetModeAny, s.config.SubnetMode)
}

func TestOnBlock_ThresholdTriggersOnlyQualifyingSubnet(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.fake.SetEvents(100, blockEvents(
		testutil.StakeAddedEvents(2, 7),
		testutil.StakeAddedEvents(1, 9),
	))

	require.NoError(t, h.sched.OnBlock(context.Background(), 100))

	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("add_stake"))
	assert.Equal(t, []Action{{Subnet: 7, StakeBlock: 100, PendingUnstakeBlock: 101}}, h.sched.Pending())
	assert.Equal(t, 1, h.store.Saves())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.TriggersTotal.WithLabelValues("fired")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.PendingActions))
}

func TestOnBlock_WithdrawalNextBlockExactlyOnce(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()
	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))

	require.NoError(t, h.sched.OnBlock(ctx, 100))
	require.Len(t, h.sched.Pending(), 1)

	require.NoError(t, h.sched.OnBlock(ctx, 101))
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	assert.Equal(t, 0, h.sched.ExecutePendingWithdrawals(ctx, 101))

	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("remove_stake"))
	assert.Empty(t, h.sched.Pending())

	st, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.PendingUnstakeBlocks)
	assert.Equal(t, uint64(100), st.LastStakedBlocks[7])
}

func TestOnBlock_WithdrawalAmountDefaultsToStakeAmount(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()
	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))

	require.NoError(t, h.sched.OnBlock(ctx, 100))
	require.NoError(t, h.sched.OnBlock(ctx, 101))

	subs := h.fake.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, big.NewInt(1_000_000_000), subs[1].Call.Params["amount_unstaked"])
}

func TestOnBlock_GlobalGatingBlocksOtherSubnets(t *testing.T) {
	cfg := newTestConfig()
	cfg.BlockNewStakesWhilePending = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	// two eligible subnets in one block: only the lowest acts
	h.fake.SetEvents(100, blockEvents(
		testutil.StakeAddedEvents(3, 9),
		testutil.StakeAddedEvents(2, 7),
	))
	require.NoError(t, h.sched.OnBlock(ctx, 100))
	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("add_stake"))

	// withdrawal fails at 101, so subnet 9 stays gated
	h.fake.QueueSubmitErrors(errors.New("pool rejected"))
	h.fake.SetEvents(101, testutil.StakeAddedEvents(3, 9))
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("add_stake"))
	require.Len(t, h.sched.Pending(), 1)

	// withdrawal clears first, then subnet 9 may trigger
	h.fake.SetEvents(102, testutil.StakeAddedEvents(2, 9))
	require.NoError(t, h.sched.OnBlock(ctx, 102))
	assert.Equal(t, []chain.SubnetID{7, 9}, h.submittedSubnets("add_stake"))
	assert.Equal(t, []chain.SubnetID{7, 7}, h.submittedSubnets("remove_stake"))
	assert.Equal(t, []Action{{Subnet: 9, StakeBlock: 102, PendingUnstakeBlock: 103}}, h.sched.Pending())
	assert.Equal(t, 2.0, promtestutil.ToFloat64(h.metrics.TriggersTotal.WithLabelValues("gated")))
}

func TestOnBlock_WithoutGlobalGatingSeveralSubnetsAct(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.fake.SetEvents(100, blockEvents(
		testutil.StakeAddedEvents(3, 9),
		testutil.StakeAddedEvents(2, 7),
	))

	require.NoError(t, h.sched.OnBlock(context.Background(), 100))
	assert.Equal(t, []chain.SubnetID{7, 9}, h.submittedSubnets("add_stake"))
	assert.Len(t, h.sched.Pending(), 2)
}

func TestOnBlock_OverlapGating(t *testing.T) {
	tests := []struct {
		name         string
		allowOverlap bool
		wantDeposits int
	}{
		{name: "pending subnet does not re-trigger", allowOverlap: false, wantDeposits: 1},
		{name: "overlap allowed", allowOverlap: true, wantDeposits: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			cfg.AllowOverlapTriggers = tt.allowOverlap
			h := newHarness(t, cfg)
			ctx := context.Background()

			h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
			require.NoError(t, h.sched.OnBlock(ctx, 100))

			// withdrawal fails, subnet 7 triggers again at 101
			h.fake.QueueSubmitErrors(errors.New("rejected"))
			h.fake.SetEvents(101, testutil.StakeAddedEvents(2, 7))
			require.NoError(t, h.sched.OnBlock(ctx, 101))

			assert.Len(t, h.submittedSubnets("add_stake"), tt.wantDeposits)
		})
	}
}

func TestOnBlock_NoRetriggerInWithdrawalBlock(t *testing.T) {
	cfg := newTestConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	h.fake.SetEvents(101, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))
	require.NoError(t, h.sched.OnBlock(ctx, 101))

	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("add_stake"))
	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("remove_stake"))

	// a later qualifying block triggers again
	h.fake.SetEvents(102, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 102))
	assert.Equal(t, []chain.SubnetID{7, 7}, h.submittedSubnets("add_stake"))
}

func TestOnBlock_DepositFailureRecordsNothing(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()

	h.fake.QueueSubmitErrors(errors.New("insufficient fee"))
	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))

	assert.Empty(t, h.sched.Pending())
	assert.Equal(t, 0, h.store.Saves())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.TriggersTotal.WithLabelValues("failed")))

	// a single missed trigger is not retried on a block without events
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	assert.Len(t, h.fake.Submissions(), 1)

	// but a later qualifying block fires
	h.fake.SetEvents(102, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 102))
	assert.Equal(t, []Action{{Subnet: 7, StakeBlock: 102, PendingUnstakeBlock: 103}}, h.sched.Pending())
}

func TestOnBlock_SubnetSelection(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		want []chain.SubnetID
	}{
		{
			name: "any",
			cfg:  func(c *Config) {},
			want: []chain.SubnetID{0, 3, 7},
		},
		{
			name: "single",
			cfg: func(c *Config) {
				c.SubnetMode = SubnetModeSingle
				c.SubnetID = 3
			},
			want: []chain.SubnetID{3},
		},
		{
			name: "excluded",
			cfg: func(c *Config) {
				c.Excluded = []chain.SubnetID{0}
			},
			want: []chain.SubnetID{3, 7},
		},
		{
			name: "higher threshold",
			cfg: func(c *Config) {
				c.Threshold = 3
			},
			want: []chain.SubnetID{7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.cfg(cfg)
			h := newHarness(t, cfg)
			h.fake.SetEvents(50, blockEvents(
				testutil.StakeAddedEvents(2, 0),
				testutil.StakeAddedEvents(2, 3),
				testutil.StakeAddedEvents(4, 7),
			))

			require.NoError(t, h.sched.OnBlock(context.Background(), 50))
			assert.Equal(t, tt.want, h.submittedSubnets("add_stake"))
		})
	}
}

func TestRestart_ResumesPendingWithdrawal(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()

	st := storage.NewScheduleState()
	st.LastStakedBlocks[12] = 999
	st.PendingUnstakeBlocks[12] = 1000
	require.NoError(t, h.store.Save(ctx, st))
	require.NoError(t, h.sched.Load(ctx))
	assert.Equal(t, []Action{{Subnet: 12, StakeBlock: 999, PendingUnstakeBlock: 1000}}, h.sched.Pending())

	// not due yet
	require.NoError(t, h.sched.OnBlock(ctx, 998))
	assert.Empty(t, h.fake.Submissions())

	// due, and subnet 12 bursts again in the same block
	h.fake.SetEvents(1002, testutil.StakeAddedEvents(5, 12))
	require.NoError(t, h.sched.OnBlock(ctx, 1002))

	assert.Equal(t, []chain.SubnetID{12}, h.submittedSubnets("remove_stake"))
	assert.Empty(t, h.submittedSubnets("add_stake"))
	assert.Empty(t, h.sched.Pending())
}

func TestLoad_Error(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.sched.store = failingStore{storage.NewMemoryStore()}
	assert.Error(t, h.sched.Load(context.Background()))
}

type failingStore struct{ *storage.MemoryStore }

func (failingStore) Load(ctx context.Context) (*storage.ScheduleState, error) {
	return nil, storage.ErrInvalidData
}

func TestOnBlock_IgnoresOldBlocks(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()

	require.NoError(t, h.sched.OnBlock(ctx, 200))
	calls := h.fake.EventCalls

	require.NoError(t, h.sched.OnBlock(ctx, 200))
	require.NoError(t, h.sched.OnBlock(ctx, 150))
	assert.Equal(t, calls, h.fake.EventCalls)
	assert.Equal(t, uint64(200), h.sched.Snapshot().LastBlock)
}

func TestOnBlock_EventFetchFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.fake.EventsErr = errors.New("connection closed")

	require.NoError(t, h.sched.OnBlock(context.Background(), 10))
	assert.Empty(t, h.fake.Submissions())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.EventFetchErrorsTotal))
}

func TestOnBlock_CancelledContext(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.fake.SetEvents(10, testutil.StakeAddedEvents(2, 7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.sched.OnBlock(ctx, 10), context.Canceled)
	assert.Empty(t, h.fake.Submissions())
}

func TestOnBlock_Cooldown(t *testing.T) {
	cfg := newTestConfig()
	cfg.Cooldown = 30 * time.Second
	h := newHarness(t, cfg)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	h.sched.SetClock(func() time.Time { return now })

	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))
	require.NoError(t, h.sched.OnBlock(ctx, 101)) // withdrawal starts cooldown
	assert.True(t, h.sched.InCooldown())
	require.NotNil(t, h.sched.Snapshot().CooldownUntil)

	h.fake.SetEvents(102, testutil.StakeAddedEvents(2, 8))
	require.NoError(t, h.sched.OnBlock(ctx, 102))
	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("add_stake"))

	now = now.Add(31 * time.Second)
	h.fake.SetEvents(103, testutil.StakeAddedEvents(2, 8))
	require.NoError(t, h.sched.OnBlock(ctx, 103))
	assert.Equal(t, []chain.SubnetID{7, 8}, h.submittedSubnets("add_stake"))
	assert.False(t, h.sched.InCooldown())
}

func TestOnBlock_WithdrawalsRunDuringCooldown(t *testing.T) {
	cfg := newTestConfig()
	cfg.Cooldown = time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	h.sched.SetClock(func() time.Time { return now })

	h.fake.SetEvents(100, blockEvents(testutil.StakeAddedEvents(2, 7), testutil.StakeAddedEvents(2, 8)))
	require.NoError(t, h.sched.OnBlock(ctx, 100))
	require.Len(t, h.sched.Pending(), 2)

	// first withdrawal starts cooldown, the second still runs
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	assert.Equal(t, []chain.SubnetID{7, 8}, h.submittedSubnets("remove_stake"))
	assert.Empty(t, h.sched.Pending())
}

func TestOnBlock_SelfDepositAmountUsedForWithdrawal(t *testing.T) {
	cfg := newTestConfig()
	cfg.Self = []string{"5Cold"}
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))

	// withdrawal at 101 fails; our own deposit shows up in 101's events
	h.fake.QueueSubmitErrors(errors.New("not yet included"))
	h.fake.SetEvents(101, []chain.RawEvent{
		testutil.StakeAddedEvent("5Cold", "5Validator", 1_000_000_000, 777_777, 7),
	})
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	pending := h.sched.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Amount.Cmp(big.NewInt(777_777)))

	require.NoError(t, h.sched.OnBlock(ctx, 102))
	subs := h.fake.Submissions()
	last := subs[len(subs)-1]
	assert.Equal(t, "remove_stake", last.Call.Function)
	assert.Equal(t, big.NewInt(777_777), last.Call.Params["amount_unstaked"])
	assert.Empty(t, h.sched.Pending())
}

func TestOnBlock_SelfDepositInWithdrawalBlockSetsAmount(t *testing.T) {
	cfg := newTestConfig()
	cfg.Self = []string{"5Cold"}
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))

	// our deposit is included in 101, the block its withdrawal is due
	h.fake.SetEvents(101, []chain.RawEvent{
		testutil.StakeAddedEvent("5Cold", "5Validator", 1_000_000_000, 555_555, 7),
	})
	calls := h.fake.EventCalls
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	assert.Equal(t, calls+1, h.fake.EventCalls, "events are fetched once per block")

	subs := h.fake.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "remove_stake", subs[1].Call.Function)
	assert.Equal(t, big.NewInt(555_555), subs[1].Call.Params["amount_unstaked"])
	assert.Empty(t, h.sched.Pending())
}

func TestOnBlock_EventFetchFailureStillWithdraws(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()

	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))

	h.fake.EventsErr = errors.New("connection closed")
	require.NoError(t, h.sched.OnBlock(ctx, 101))
	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("remove_stake"))
	assert.Empty(t, h.sched.Pending())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.EventFetchErrorsTotal))
}

func TestWithdraw_Immediate(t *testing.T) {
	h := newHarness(t, newTestConfig())
	ctx := context.Background()

	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))
	require.NoError(t, h.sched.OnBlock(ctx, 100))

	require.NoError(t, h.sched.Withdraw(ctx, 7))
	assert.Empty(t, h.sched.Pending())
	assert.Equal(t, []chain.SubnetID{7}, h.submittedSubnets("remove_stake"))

	h.fake.QueueSubmitErrors(errors.New("nothing staked"))
	assert.Error(t, h.sched.Withdraw(ctx, 3))
}

func TestPersistFailureKeepsRunning(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.store.FailSaves(errors.New("read-only filesystem"))
	h.fake.SetEvents(100, testutil.StakeAddedEvents(2, 7))

	require.NoError(t, h.sched.OnBlock(context.Background(), 100))
	assert.Len(t, h.sched.Pending(), 1, "in-memory state still advances")
}

func TestPreflight(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.Balances["5Cold"] = big.NewInt(500)
	ctx := context.Background()

	free, err := Preflight(ctx, fake, "5Cold", big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, 0, free.Cmp(big.NewInt(500)))

	_, err = Preflight(ctx, fake, "5Cold", big.NewInt(501))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = Preflight(ctx, fake, "5Nobody", big.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

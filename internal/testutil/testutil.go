package testutil

import (
	"testing"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// NewTestLogger creates a test logger that doesn't output to console
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// NewTestHeader creates a header carrying the given block number
func NewTestHeader(number uint64) chain.Header {
	return chain.NewHeader(number)
}

// StakeAddedEvent creates a positional StakeAdded record as emitted by the
// runtime: (coldkey, hotkey, tao, alpha, netuid)
func StakeAddedEvent(coldkey, hotkey string, tao, alpha uint64, subnet chain.SubnetID) chain.RawEvent {
	return chain.RawEvent{
		"module_id": "SubtensorModule",
		"event_id":  "StakeAdded",
		"attributes": []interface{}{
			coldkey, hotkey, float64(tao), float64(alpha), float64(subnet),
		},
	}
}

// StakeAddedEvents creates n StakeAdded records from unrelated accounts on subnet
func StakeAddedEvents(n int, subnet chain.SubnetID) []chain.RawEvent {
	out := make([]chain.RawEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, StakeAddedEvent("5Someone", "5Validator", 1_000_000_000, 2_000_000, subnet))
	}
	return out
}

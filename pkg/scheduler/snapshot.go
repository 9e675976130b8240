package scheduler

import (
	"math/big"
	"time"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// Action is one pending scheduled action
type Action struct {
	Subnet              chain.SubnetID `json:"subnet"`
	StakeBlock          uint64         `json:"stake_block"`
	PendingUnstakeBlock uint64         `json:"pending_unstake_block"`
	Amount              *big.Int       `json:"amount,omitempty"`
}

// Snapshot is an immutable view of scheduler state, safe to read from
// any goroutine
type Snapshot struct {
	LastBlock        uint64                    `json:"last_block"`
	Pending          []Action                  `json:"pending"`
	LastStakedBlocks map[chain.SubnetID]uint64 `json:"last_staked_blocks"`
	CooldownUntil    *time.Time                `json:"cooldown_until,omitempty"`
}

// Snapshot returns the most recently published state
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Pending returns the pending actions in ascending subnet order
func (s *Scheduler) Pending() []Action {
	return s.Snapshot().Pending
}

// publish rebuilds the snapshot; called from the coordinating goroutine
func (s *Scheduler) publish() {
	snap := &Snapshot{
		LastBlock:        s.lastBlock,
		Pending:          make([]Action, 0, len(s.pending)),
		LastStakedBlocks: make(map[chain.SubnetID]uint64, len(s.lastStaked)),
	}
	for _, id := range sortedSubnets(s.pending) {
		a := Action{
			Subnet:              id,
			StakeBlock:          s.lastStaked[id],
			PendingUnstakeBlock: s.pending[id],
		}
		if amt, ok := s.amounts[id]; ok {
			a.Amount = new(big.Int).Set(amt)
		}
		snap.Pending = append(snap.Pending, a)
	}
	for k, v := range s.lastStaked {
		snap.LastStakedBlocks[k] = v
	}
	if !s.cooldownUntil.IsZero() {
		until := s.cooldownUntil
		snap.CooldownUntil = &until
	}
	s.snapshot.Store(snap)
}

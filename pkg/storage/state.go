package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// Common errors
var (
	// ErrInvalidData is returned when persisted state cannot be decoded
	ErrInvalidData = errors.New("invalid data")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("storage closed")
)

// StateVersion is the current persisted format version
const StateVersion = 2

// ScheduleState is the persisted set of scheduled actions
type ScheduleState struct {
	Version int `json:"version"`

	// LastStakedBlocks maps subnet -> block of the last confirmed deposit
	LastStakedBlocks map[chain.SubnetID]uint64 `json:"last_staked_blocks"`

	// PendingUnstakeBlocks maps subnet -> block at which the withdrawal is due
	PendingUnstakeBlocks map[chain.SubnetID]uint64 `json:"pending_unstake_blocks"`

	// UnstakeAmounts maps subnet -> exact amount to withdraw, when known
	UnstakeAmounts map[chain.SubnetID]*big.Int `json:"unstake_amounts,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewScheduleState returns an empty state
func NewScheduleState() *ScheduleState {
	return &ScheduleState{
		Version:              StateVersion,
		LastStakedBlocks:     make(map[chain.SubnetID]uint64),
		PendingUnstakeBlocks: make(map[chain.SubnetID]uint64),
		UnstakeAmounts:       make(map[chain.SubnetID]*big.Int),
	}
}

// Clone returns a deep copy
func (s *ScheduleState) Clone() *ScheduleState {
	out := NewScheduleState()
	out.Version = s.Version
	out.UpdatedAt = s.UpdatedAt
	for k, v := range s.LastStakedBlocks {
		out.LastStakedBlocks[k] = v
	}
	for k, v := range s.PendingUnstakeBlocks {
		out.PendingUnstakeBlocks[k] = v
	}
	for k, v := range s.UnstakeAmounts {
		if v != nil {
			out.UnstakeAmounts[k] = new(big.Int).Set(v)
		}
	}
	return out
}

// wireState is the on-disk layout, including single-subnet fields written
// by older versions
type wireState struct {
	ScheduleState
	LegacyLastStakedBlock     *uint64 `json:"last_staked_block,omitempty"`
	LegacyPendingUnstakeBlock *uint64 `json:"pending_unstake_block,omitempty"`
}

// EncodeState serializes state
func EncodeState(s *ScheduleState) ([]byte, error) {
	out := *s
	out.Version = StateVersion
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule state: %w", err)
	}
	return data, nil
}

// DecodeState parses persisted state. Legacy single-subnet fields are
// migrated into the per-subnet maps under legacySubnet unless that subnet
// already has an entry.
func DecodeState(data []byte, legacySubnet chain.SubnetID) (*ScheduleState, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	st := NewScheduleState()
	st.UpdatedAt = w.UpdatedAt
	for k, v := range w.LastStakedBlocks {
		st.LastStakedBlocks[k] = v
	}
	for k, v := range w.PendingUnstakeBlocks {
		st.PendingUnstakeBlocks[k] = v
	}
	for k, v := range w.UnstakeAmounts {
		if v != nil {
			st.UnstakeAmounts[k] = v
		}
	}

	if w.LegacyLastStakedBlock != nil {
		if _, ok := st.LastStakedBlocks[legacySubnet]; !ok {
			st.LastStakedBlocks[legacySubnet] = *w.LegacyLastStakedBlock
		}
	}
	if w.LegacyPendingUnstakeBlock != nil {
		if _, ok := st.PendingUnstakeBlocks[legacySubnet]; !ok {
			st.PendingUnstakeBlocks[legacySubnet] = *w.LegacyPendingUnstakeBlock
		}
	}
	return st, nil
}

package submit

import (
	"math/big"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// Action is the logical operation being submitted
type Action int

const (
	// Deposit stakes an amount to a hotkey on a subnet
	Deposit Action = iota
	// Withdrawal unstakes from a hotkey on a subnet
	Withdrawal
)

// String returns the metrics/log label of the action
func (a Action) String() string {
	switch a {
	case Deposit:
		return "deposit"
	case Withdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

// ParamVariant is one naming of the call parameters. Every variant carries
// hotkey and netuid; AmountParam names the amount field, or is empty when
// the call takes no amount.
type ParamVariant struct {
	AmountParam string
	Extra       map[string]any
}

// Params builds the parameter map for a request
func (v ParamVariant) Params(hotkey string, subnet chain.SubnetID, amount *big.Int) map[string]any {
	params := map[string]any{
		"hotkey": hotkey,
		"netuid": uint16(subnet),
	}
	if v.AmountParam != "" {
		params[v.AmountParam] = amount
	}
	for k, val := range v.Extra {
		params[k] = val
	}
	return params
}

// NeedsAmount reports whether the variant requires an explicit amount
func (v ParamVariant) NeedsAmount() bool {
	return v.AmountParam != ""
}

// Candidate is one call name with its ordered parameter variants
type Candidate struct {
	Module   string
	Function string
	Variants []ParamVariant
}

// StakeModule is the runtime module owning stake calls
const StakeModule = "SubtensorModule"

// DepositCandidates returns the ordered deposit call candidates
func DepositCandidates() []Candidate {
	variants := []ParamVariant{
		{AmountParam: "amount_staked"},
		{AmountParam: "amount"},
	}
	return []Candidate{
		{Module: StakeModule, Function: "add_stake", Variants: variants},
		{Module: StakeModule, Function: "addStake", Variants: variants},
	}
}

// WithdrawalCandidates returns the ordered withdrawal call candidates.
// With full set, the full-amount call with no price limit is tried first.
func WithdrawalCandidates(full bool) []Candidate {
	variants := []ParamVariant{
		{AmountParam: "amount_unstaked"},
		{AmountParam: "amount"},
	}
	var out []Candidate
	if full {
		out = append(out, Candidate{
			Module:   StakeModule,
			Function: "remove_stake_full_limit",
			Variants: []ParamVariant{{Extra: map[string]any{"limit_price": nil}}},
		})
	}
	return append(out,
		Candidate{Module: StakeModule, Function: "remove_stake", Variants: variants},
		Candidate{Module: StakeModule, Function: "removeStake", Variants: variants},
	)
}

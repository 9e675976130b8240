package events

import (
	"math/big"
	"strings"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// Accepted naming variants for the stake pallet and its events
var (
	StakeModules       = []string{"SubtensorModule", "Subtensor"}
	StakeAddedKinds    = []string{"StakeAdded", "StakeIncrease", "StakeIncreased", "AddStake"}
	StakeRemovedKinds  = []string{"StakeRemoved", "StakeDecreased", "StakeDecrease", "RemoveStake"}
	DefaultSubnetNames = []string{"netuid", "subnet_id", "subnetid", "subnet"}
)

// DefaultMaxSubnetID bounds the positional subnet id heuristic
const DefaultMaxSubnetID = 1024

// SubnetExtractor is one strategy for locating the subnet id among event fields
type SubnetExtractor interface {
	Name() string
	Extract(fields []Field) (chain.SubnetID, bool)
}

// NamedSubnet finds a field whose name matches one of Names (case-insensitive)
type NamedSubnet struct {
	Names []string
	Max   uint64
}

// Name implements SubnetExtractor
func (NamedSubnet) Name() string { return "named" }

// Extract implements SubnetExtractor
func (e NamedSubnet) Extract(fields []Field) (chain.SubnetID, bool) {
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		for _, want := range e.Names {
			if name != want {
				continue
			}
			n, ok := integerValue(f.Value, true)
			if !ok {
				return 0, false
			}
			return boundedSubnet(n, e.Max)
		}
	}
	return 0, false
}

// FirstSmallInteger takes the first integer-typed field within [0, Max].
// Event encodings vary across client versions, so this is deliberately loose.
type FirstSmallInteger struct {
	Max uint64
}

// Name implements SubnetExtractor
func (FirstSmallInteger) Name() string { return "first-small-integer" }

// Extract implements SubnetExtractor
func (e FirstSmallInteger) Extract(fields []Field) (chain.SubnetID, bool) {
	for _, f := range fields {
		n, ok := integerValue(f.Value, false)
		if !ok {
			continue
		}
		if id, ok := boundedSubnet(n, e.Max); ok {
			return id, true
		}
	}
	return 0, false
}

func boundedSubnet(n *big.Int, max uint64) (chain.SubnetID, bool) {
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, false
	}
	v := n.Uint64()
	if v > max || v > uint64(^chain.SubnetID(0)) {
		return 0, false
	}
	return chain.SubnetID(v), true
}

// Config controls which events count and how fields are located
type Config struct {
	// Modules are the accepted pallet names
	Modules []string
	// Kinds are the accepted event names
	Kinds []string
	// MaxSubnetID bounds subnet id extraction
	MaxSubnetID uint64
	// DepositorIndex, RecipientIndex and AmountIndex are fixed positions used
	// to recognize a self-originated deposit and its amount
	DepositorIndex int
	RecipientIndex int
	AmountIndex    int
}

// DefaultConfig returns a config for StakeAdded-style events
func DefaultConfig() *Config {
	return &Config{
		Modules:        StakeModules,
		Kinds:          StakeAddedKinds,
		MaxSubnetID:    DefaultMaxSubnetID,
		DepositorIndex: 0,
		RecipientIndex: 1,
		AmountIndex:    3,
	}
}

// Classifier turns raw per-block events into per-subnet occurrence counts
type Classifier struct {
	config     *Config
	modules    map[string]struct{}
	kinds      map[string]struct{}
	extractors []SubnetExtractor
	logger     *zap.Logger
}

// NewClassifier creates a classifier. A nil config uses DefaultConfig.
func NewClassifier(config *Config, logger *zap.Logger) *Classifier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSubnetID == 0 {
		config.MaxSubnetID = DefaultMaxSubnetID
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Classifier{
		config:  config,
		modules: toSet(config.Modules),
		kinds:   toSet(config.Kinds),
		extractors: []SubnetExtractor{
			NamedSubnet{Names: DefaultSubnetNames, Max: config.MaxSubnetID},
			FirstSmallInteger{Max: config.MaxSubnetID},
		},
		logger: logger.Named("classifier"),
	}
	return c
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// accept decodes raw and reports whether it is one of the accepted kinds
func (c *Classifier) accept(raw chain.RawEvent) (*Decoded, bool) {
	d, err := Decode(raw)
	if err != nil {
		c.logger.Debug("Skipping undecodable event", zap.Error(err))
		return nil, false
	}
	if _, ok := c.modules[d.Module]; !ok {
		return nil, false
	}
	if _, ok := c.kinds[d.Name]; !ok {
		return nil, false
	}
	return d, true
}

// SubnetOf runs the extraction strategies in order
func (c *Classifier) SubnetOf(fields []Field) (chain.SubnetID, bool) {
	for _, ex := range c.extractors {
		if id, ok := ex.Extract(fields); ok {
			return id, true
		}
	}
	return 0, false
}

// Count returns subnet id -> number of accepted events. Events of other kinds
// or without a discoverable subnet id are ignored.
func (c *Classifier) Count(raw []chain.RawEvent) map[chain.SubnetID]int {
	counts := make(map[chain.SubnetID]int)
	for _, ev := range raw {
		d, ok := c.accept(ev)
		if !ok {
			continue
		}
		id, ok := c.SubnetOf(d.Fields)
		if !ok {
			c.logger.Debug("Accepted event without subnet id",
				zap.String("module", d.Module),
				zap.String("event", d.Name),
			)
			continue
		}
		counts[id]++
	}
	return counts
}

// SelfDeposits returns the deposited amount per subnet for accepted events
// where one of self appears as depositor or recipient.
func (c *Classifier) SelfDeposits(raw []chain.RawEvent, self []string) map[chain.SubnetID]*big.Int {
	out := make(map[chain.SubnetID]*big.Int)
	if len(self) == 0 {
		return out
	}
	mine := toSet(self)

	for _, ev := range raw {
		d, ok := c.accept(ev)
		if !ok {
			continue
		}
		if !c.involves(d.Fields, mine) {
			continue
		}
		if c.config.AmountIndex < 0 || c.config.AmountIndex >= len(d.Fields) {
			continue
		}
		amount, ok := integerValue(d.Fields[c.config.AmountIndex].Value, true)
		if !ok || amount.Sign() < 0 {
			continue
		}
		id, ok := c.SubnetOf(d.Fields)
		if !ok {
			continue
		}
		if prev, exists := out[id]; exists {
			amount = new(big.Int).Add(prev, amount)
		}
		out[id] = amount
	}
	return out
}

func (c *Classifier) involves(fields []Field, mine map[string]struct{}) bool {
	for _, idx := range []int{c.config.DepositorIndex, c.config.RecipientIndex} {
		if idx < 0 || idx >= len(fields) {
			continue
		}
		if s, ok := fields[idx].Value.(string); ok {
			if _, hit := mine[s]; hit {
				return true
			}
		}
	}
	return false
}

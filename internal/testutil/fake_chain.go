package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// FakeChain is a scripted in-memory chain.Client.
// All fields may be set before use; use the helper methods once shared.
type FakeChain struct {
	mu sync.Mutex

	Head        uint64
	HeadErr     error
	BlockEvents map[uint64][]chain.RawEvent
	EventsErr   error
	Nonces      map[string]uint64
	NonceErr    error
	Balances    map[string]*big.Int

	// Specs maps "Module.function" to metadata. A nil map means metadata
	// lookups are unsupported; a missing key is an unknown call.
	Specs map[string]*chain.CallSpec
	// ComposeErrs maps a function name to the error ComposeCall returns
	ComposeErrs map[string]error
	// SubmitErrs are consumed one per SignAndSubmit; a nil entry succeeds
	SubmitErrs []error

	Submitted    []chain.SignRequest
	ComposeCalls []string
	NonceCalls   int
	EventCalls   int
	Closed       bool
}

// NewFakeChain creates an empty fake chain
func NewFakeChain() *FakeChain {
	return &FakeChain{
		BlockEvents: make(map[uint64][]chain.RawEvent),
		Nonces:      make(map[string]uint64),
		Balances:    make(map[string]*big.Int),
	}
}

// HashOf is the deterministic block hash the fake assigns to a block number
func HashOf(number uint64) string {
	return fmt.Sprintf("0x%064x", number)
}

// SetEvents sets the events returned for block number
func (f *FakeChain) SetEvents(number uint64, evs []chain.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BlockEvents[number] = evs
}

// SetHead sets the current block number
func (f *FakeChain) SetHead(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Head = number
}

// QueueSubmitErrors appends scripted SignAndSubmit outcomes
func (f *FakeChain) QueueSubmitErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitErrs = append(f.SubmitErrs, errs...)
}

// Submissions returns a copy of every SignAndSubmit request seen
func (f *FakeChain) Submissions() []chain.SignRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chain.SignRequest, len(f.Submitted))
	copy(out, f.Submitted)
	return out
}

// SubmittedFunctions returns the function names of every submitted call
func (f *FakeChain) SubmittedFunctions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Submitted))
	for _, s := range f.Submitted {
		out = append(out, s.Call.Function)
	}
	return out
}

// CurrentBlock implements chain.Client
func (f *FakeChain) CurrentBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeadErr != nil {
		return 0, f.HeadErr
	}
	return f.Head, nil
}

// BlockHash implements chain.Client
func (f *FakeChain) BlockHash(ctx context.Context, number uint64) (string, error) {
	return HashOf(number), nil
}

// Events implements chain.Client
func (f *FakeChain) Events(ctx context.Context, blockHash string) ([]chain.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EventCalls++
	if f.EventsErr != nil {
		return nil, f.EventsErr
	}
	for n, evs := range f.BlockEvents {
		if HashOf(n) == blockHash {
			return evs, nil
		}
	}
	return nil, nil
}

// AccountNonce implements chain.Client
func (f *FakeChain) AccountNonce(ctx context.Context, account string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NonceCalls++
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	return f.Nonces[account], nil
}

// CallMetadata implements chain.Client
func (f *FakeChain) CallMetadata(ctx context.Context, module, function string) (*chain.CallSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Specs == nil {
		return nil, chain.ErrUnsupported
	}
	spec, ok := f.Specs[module+"."+function]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", chain.ErrUnknownCall, module, function)
	}
	return spec, nil
}

// ComposeCall implements chain.Client
func (f *FakeChain) ComposeCall(ctx context.Context, module, function string, params map[string]any) (*chain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ComposeCalls = append(f.ComposeCalls, function)
	if err, ok := f.ComposeErrs[function]; ok && err != nil {
		return nil, err
	}
	return &chain.Call{Module: module, Function: function, Params: params}, nil
}

// SignAndSubmit implements chain.Client
func (f *FakeChain) SignAndSubmit(ctx context.Context, req *chain.SignRequest) (chain.TxID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submitted = append(f.Submitted, *req)

	if len(f.SubmitErrs) > 0 {
		err := f.SubmitErrs[0]
		f.SubmitErrs = f.SubmitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return chain.TxID(fmt.Sprintf("0xtx%d", len(f.Submitted))), nil
}

// FreeBalance implements chain.BalanceReader
func (f *FakeChain) FreeBalance(ctx context.Context, account string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Balances[account]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

// Close implements chain.Client
func (f *FakeChain) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

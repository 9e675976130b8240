package chain

import (
	"context"
	"errors"
	"math/big"
)

// SubnetID identifies an independently scheduled stake partition (netuid)
type SubnetID uint16

// TxID is the identifier returned by a successful submission
type TxID string

// Sentinel errors returned by Client implementations
var (
	// ErrUnknownCall is returned when the runtime has no such module function
	ErrUnknownCall = errors.New("unknown call")

	// ErrUnknownParam is returned when a call cannot be composed with the given parameters
	ErrUnknownParam = errors.New("unknown call parameter")

	// ErrUnsupported is returned when an optional capability is not available
	ErrUnsupported = errors.New("unsupported by chain client")

	// ErrBlockNotFound is returned when a block hash cannot be resolved
	ErrBlockNotFound = errors.New("block not found")
)

// RawEvent is one undecoded per-block event record as delivered by the client.
// Field names vary across client and runtime versions; pkg/events normalizes them.
type RawEvent map[string]any

// ArgSpec describes a single argument of a runtime call
type ArgSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CallSpec is the metadata for a runtime call
type CallSpec struct {
	Module   string    `json:"module"`
	Function string    `json:"function"`
	Args     []ArgSpec `json:"args"`
}

// HasArg reports whether the call accepts an argument with the given name
func (s *CallSpec) HasArg(name string) bool {
	for _, a := range s.Args {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Call is a composed, unsigned runtime call
type Call struct {
	Module   string         `json:"module"`
	Function string         `json:"function"`
	Params   map[string]any `json:"params"`
	Encoded  string         `json:"encoded,omitempty"`
}

// SignRequest carries everything needed to sign and submit a call
type SignRequest struct {
	Call                *Call
	Signer              string
	Nonce               uint64
	Tip                 *big.Int
	WaitForInclusion    bool
	WaitForFinalization bool
}

// Client is the narrow chain capability consumed by the scheduling core.
// Implementations are expected to use separate connections for header,
// event and transaction traffic.
type Client interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	Events(ctx context.Context, blockHash string) ([]RawEvent, error)
	AccountNonce(ctx context.Context, account string) (uint64, error)
	CallMetadata(ctx context.Context, module, function string) (*CallSpec, error)
	ComposeCall(ctx context.Context, module, function string, params map[string]any) (*Call, error)
	SignAndSubmit(ctx context.Context, req *SignRequest) (TxID, error)
	Close() error
}

// HeaderSubscriber is implemented by clients that push new headers to a handler.
// SubscribeHeaders blocks until ctx is cancelled or the subscription fails.
type HeaderSubscriber interface {
	SubscribeHeaders(ctx context.Context, handler func(Header)) error
}

// HeaderIterator yields headers synchronously
type HeaderIterator interface {
	Next(ctx context.Context) (Header, error)
	Close() error
}

// HeaderIterable is implemented by clients that expose a blocking header sequence
type HeaderIterable interface {
	IterateHeaders(ctx context.Context) (HeaderIterator, error)
}

// BalanceReader is implemented by clients that can report a free balance
type BalanceReader interface {
	FreeBalance(ctx context.Context, account string) (*big.Int, error)
}

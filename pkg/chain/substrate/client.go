package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// Node and gateway RPC methods
const (
	methodGetHeader       = "chain_getHeader"
	methodGetBlockHash    = "chain_getBlockHash"
	methodSubscribeHeads  = "chain_subscribeNewHeads"
	methodUnsubscribeHead = "chain_unsubscribeNewHeads"
	methodAccountNonce    = "system_accountNextIndex"

	methodEvents        = "gateway_events"
	methodCallMetadata  = "gateway_callMetadata"
	methodComposeCall   = "gateway_composeCall"
	methodSignAndSubmit = "gateway_signAndSubmit"
	methodFreeBalance   = "gateway_freeBalance"
)

// Config holds client configuration
type Config struct {
	// Endpoint is the node websocket URL used for headers
	Endpoint string
	// GatewayEndpoint serves event decoding and signing; defaults to Endpoint
	GatewayEndpoint string
	// Network is passed to the gateway when signing
	Network string
	// Timeout bounds each call (0 = caller's context only)
	Timeout time.Duration
	Logger  *zap.Logger
}

func (c *Config) gateway() string {
	if c.GatewayEndpoint != "" {
		return c.GatewayEndpoint
	}
	return c.Endpoint
}

// Client implements chain.Client with separate event and transaction
// connections. Headers are served by HeaderConn on a third connection.
type Client struct {
	config *Config
	logger *zap.Logger

	mu     sync.Mutex
	events *Conn
	tx     *Conn
}

var (
	_ chain.Client        = (*Client)(nil)
	_ chain.BalanceReader = (*Client)(nil)
)

// NewClient dials the event and transaction connections
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("substrate")

	events, err := Dial(ctx, cfg.gateway(), logger.With(zap.String("conn", "events")))
	if err != nil {
		return nil, fmt.Errorf("events connection: %w", err)
	}
	tx, err := Dial(ctx, cfg.gateway(), logger.With(zap.String("conn", "tx")))
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("transaction connection: %w", err)
	}

	logger.Info("Connected to chain",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("gateway", cfg.gateway()),
		zap.String("network", cfg.Network),
	)

	return &Client{
		config: cfg,
		logger: logger,
		events: events,
		tx:     tx,
	}, nil
}

// CurrentBlock returns the best block number
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	var raw json.RawMessage
	if err := c.callEvents(ctx, &raw, methodGetHeader); err != nil {
		return 0, err
	}
	return chain.Header(raw).Number()
}

// BlockHash resolves a block number to its hash
func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	var hash *string
	if err := c.callEvents(ctx, &hash, methodGetBlockHash, number); err != nil {
		return "", err
	}
	if hash == nil || *hash == "" {
		return "", fmt.Errorf("%w: %d", chain.ErrBlockNotFound, number)
	}
	return *hash, nil
}

// Events returns the raw event records of a block. A broken events
// connection is redialed once.
func (c *Client) Events(ctx context.Context, blockHash string) ([]chain.RawEvent, error) {
	var raw json.RawMessage
	if err := c.callEvents(ctx, &raw, methodEvents, blockHash); err != nil {
		return nil, err
	}

	var out []chain.RawEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out, nil
}

// AccountNonce returns the next nonce for account, including pool transactions
func (c *Client) AccountNonce(ctx context.Context, account string) (uint64, error) {
	var raw json.RawMessage
	if err := c.call(ctx, c.txConn(), &raw, methodAccountNonce, account); err != nil {
		return 0, err
	}
	v, err := decodeAny(raw)
	if err != nil {
		return 0, fmt.Errorf("decode nonce: %w", err)
	}
	return chain.ParseQuantity(v)
}

// CallMetadata describes a runtime call; chain.ErrUnsupported when the
// gateway has no metadata support
func (c *Client) CallMetadata(ctx context.Context, module, function string) (*chain.CallSpec, error) {
	var spec *chain.CallSpec
	if err := c.call(ctx, c.txConn(), &spec, methodCallMetadata, module, function); err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: %s.%s", chain.ErrUnknownCall, module, function)
	}
	return spec, nil
}

// ComposeCall builds an unsigned call
func (c *Client) ComposeCall(ctx context.Context, module, function string, params map[string]any) (*chain.Call, error) {
	req := chain.Call{Module: module, Function: function, Params: params}
	var call chain.Call
	if err := c.call(ctx, c.txConn(), &call, methodComposeCall, req); err != nil {
		return nil, err
	}
	if call.Module == "" {
		call.Module = module
	}
	if call.Function == "" {
		call.Function = function
	}
	if call.Params == nil {
		call.Params = params
	}
	return &call, nil
}

type signParams struct {
	Call                *chain.Call `json:"call"`
	Signer              string      `json:"signer"`
	Nonce               uint64      `json:"nonce"`
	Tip                 string      `json:"tip,omitempty"`
	Network             string      `json:"network,omitempty"`
	WaitForInclusion    bool        `json:"wait_for_inclusion"`
	WaitForFinalization bool        `json:"wait_for_finalization"`
}

type submitReceipt struct {
	Hash    string `json:"hash"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubmitError is a submission the chain accepted for processing but rejected
type SubmitError struct {
	Hash    string
	Message string
}

func (e *SubmitError) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("submission rejected: %s", e.Message)
	}
	return fmt.Sprintf("submission %s rejected: %s", e.Hash, e.Message)
}

// SignAndSubmit signs req.Call with req.Signer at req.Nonce and submits it
func (c *Client) SignAndSubmit(ctx context.Context, req *chain.SignRequest) (chain.TxID, error) {
	if req == nil || req.Call == nil {
		return "", fmt.Errorf("sign request requires a call")
	}
	p := signParams{
		Call:                req.Call,
		Signer:              req.Signer,
		Nonce:               req.Nonce,
		Network:             c.config.Network,
		WaitForInclusion:    req.WaitForInclusion,
		WaitForFinalization: req.WaitForFinalization,
	}
	if req.Tip != nil && req.Tip.Sign() > 0 {
		p.Tip = req.Tip.String()
	}

	var raw json.RawMessage
	if err := c.call(ctx, c.txConn(), &raw, methodSignAndSubmit, p); err != nil {
		return "", err
	}

	var hash string
	if err := json.Unmarshal(raw, &hash); err == nil {
		return chain.TxID(hash), nil
	}
	var receipt submitReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return "", fmt.Errorf("decode submission result: %w", err)
	}
	if receipt.Success != nil && !*receipt.Success {
		return "", &SubmitError{Hash: receipt.Hash, Message: receipt.Error}
	}
	return chain.TxID(receipt.Hash), nil
}

// FreeBalance returns the transferable balance of account in base units
func (c *Client) FreeBalance(ctx context.Context, account string) (*big.Int, error) {
	var raw json.RawMessage
	if err := c.call(ctx, c.txConn(), &raw, methodFreeBalance, account); err != nil {
		return nil, err
	}
	v, err := decodeAny(raw)
	if err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}

	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	default:
		return nil, fmt.Errorf("unexpected balance type %T", v)
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid balance %q", s)
	}
	return n, nil
}

// Close closes both connections
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		c.events.Close()
	}
	if c.tx != nil {
		c.tx.Close()
	}
	return nil
}

func (c *Client) eventsConn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *Client) txConn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

func (c *Client) call(ctx context.Context, conn *Conn, result any, method string, params ...any) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	return conn.Call(ctx, result, method, params...)
}

// callEvents runs a call on the events connection, recreating the
// connection once when the transport is broken
func (c *Client) callEvents(ctx context.Context, result any, method string, params ...any) error {
	conn := c.eventsConn()
	err := c.call(ctx, conn, result, method, params...)
	if err == nil || !IsConnectionError(err) || ctx.Err() != nil {
		return err
	}

	c.logger.Warn("Events connection lost, redialing", zap.String("method", method), zap.Error(err))
	fresh, derr := c.redialEvents(ctx, conn)
	if derr != nil {
		return fmt.Errorf("%w (redial failed: %v)", err, derr)
	}
	return c.call(ctx, fresh, result, method, params...)
}

func (c *Client) redialEvents(ctx context.Context, old *Conn) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != old {
		return c.events, nil
	}
	fresh, err := Dial(ctx, c.config.gateway(), c.logger.With(zap.String("conn", "events")))
	if err != nil {
		return nil, err
	}
	old.Close()
	c.events = fresh
	return fresh, nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

// HeaderConn is a dedicated header connection. It supports polling,
// callback subscription and iteration.
type HeaderConn struct {
	conn   *Conn
	config *Config
}

var (
	_ chain.HeaderSubscriber = (*HeaderConn)(nil)
	_ chain.HeaderIterable   = (*HeaderConn)(nil)
)

// DialHeaders opens a header connection to the node endpoint
func DialHeaders(ctx context.Context, cfg *Config) (*HeaderConn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := Dial(ctx, cfg.Endpoint, logger.Named("substrate").With(zap.String("conn", "headers")))
	if err != nil {
		return nil, fmt.Errorf("header connection: %w", err)
	}
	return &HeaderConn{conn: conn, config: cfg}, nil
}

// CurrentBlock returns the best block number
func (h *HeaderConn) CurrentBlock(ctx context.Context) (uint64, error) {
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}
	var raw json.RawMessage
	if err := h.conn.Call(ctx, &raw, methodGetHeader); err != nil {
		return 0, err
	}
	return chain.Header(raw).Number()
}

// SubscribeHeaders calls handler for every new head until ctx is done or
// the connection breaks
func (h *HeaderConn) SubscribeHeaders(ctx context.Context, handler func(chain.Header)) error {
	sub, err := h.conn.Subscribe(ctx, methodSubscribeHeads, methodUnsubscribeHead)
	if err != nil {
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return sub.Err()
		case msg := <-sub.C():
			handler(chain.Header(msg))
		}
	}
}

// IterateHeaders returns a blocking iterator over new heads
func (h *HeaderConn) IterateHeaders(ctx context.Context) (chain.HeaderIterator, error) {
	sub, err := h.conn.Subscribe(ctx, methodSubscribeHeads, methodUnsubscribeHead)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	return &headerIterator{sub: sub}, nil
}

// Close closes the connection
func (h *HeaderConn) Close() error {
	return h.conn.Close()
}

type headerIterator struct {
	sub *Subscription
}

func (it *headerIterator) Next(ctx context.Context) (chain.Header, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-it.sub.Done():
		err := it.sub.Err()
		if errors.Is(err, ErrConnClosed) {
			return nil, io.EOF
		}
		return nil, err
	case msg := <-it.sub.C():
		return chain.Header(msg), nil
	}
}

func (it *headerIterator) Close() error {
	it.sub.Unsubscribe(context.Background())
	return nil
}

package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/stakebot/pkg/chain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 16 << 20

	// Buffered notifications per subscription
	subscriptionBuffer = 64
)

// JSON-RPC error codes mapped to chain sentinels
const (
	CodeMethodNotFound = -32601
	CodeUnknownCall    = -32010
	CodeUnknownParam   = -32011
	CodeBlockNotFound  = -32012
)

// ErrConnClosed is returned for calls on a closed or broken connection
var ErrConnClosed = errors.New("connection closed")

// RPCError is an error object returned by the remote end
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps well-known codes onto chain errors
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case CodeMethodNotFound:
		return chain.ErrUnsupported
	case CodeUnknownCall:
		return chain.ErrUnknownCall
	case CodeUnknownParam:
		return chain.ErrUnknownParam
	case CodeBlockNotFound:
		return chain.ErrBlockNotFound
	}
	return nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type notification struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// subscriptionKey normalizes string and numeric subscription ids
func subscriptionKey(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fmt.Sprint(n), true
	}
	return "", false
}

type pendingCall struct {
	resp chan *message
	sub  *Subscription
}

// Conn is a JSON-RPC 2.0 client over a single websocket. Responses are
// matched by id and subscription notifications are routed by subscription
// id from one reader goroutine.
type Conn struct {
	endpoint string
	ws       *websocket.Conn
	logger   *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	subs    map[string]*Subscription

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a websocket connection to endpoint
func Dial(ctx context.Context, endpoint string, logger *zap.Logger) (*Conn, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		endpoint: endpoint,
		ws:       ws,
		logger:   logger,
		pending:  make(map[uint64]*pendingCall),
		subs:     make(map[string]*Subscription),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Endpoint returns the dialed URL
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Done is closed when the connection stops reading
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection stopped, if it has
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection and fails outstanding calls
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(ErrConnClosed)
	return nil
}

// Call invokes method and decodes the result into result (which may be nil)
func (c *Conn) Call(ctx context.Context, result any, method string, params ...any) error {
	msg, err := c.roundTrip(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if len(msg.Result) == 0 {
		return fmt.Errorf("%s: empty result", method)
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Subscribe starts a subscription using method and returns once the
// subscription id has been acknowledged
func (c *Conn) Subscribe(ctx context.Context, method, unsubscribeMethod string, params ...any) (*Subscription, error) {
	sub := &Subscription{
		conn:        c,
		unsubscribe: unsubscribeMethod,
		ch:          make(chan json.RawMessage, subscriptionBuffer),
		quit:        make(chan struct{}),
	}
	if _, err := c.roundTrip(ctx, method, params, sub); err != nil {
		// a late acknowledgement must not block the reader
		sub.once.Do(func() { close(sub.quit) })
		return nil, err
	}
	return sub, nil
}

func (c *Conn) roundTrip(ctx context.Context, method string, params []any, sub *Subscription) (*message, error) {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	call := &pendingCall{resp: make(chan *message, 1), sub: sub}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.closedErr()
	default:
	}
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return nil, fmt.Errorf("%s: %w: %v", method, ErrConnClosed, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, c.closedErr())
	case msg := <-call.resp:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg, nil
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read error", zap.String("endpoint", c.endpoint), zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping undecodable message", zap.Error(err))
			continue
		}

		if msg.ID != nil {
			c.handleResponse(&msg)
			continue
		}
		if msg.Method != "" {
			c.handleNotification(&msg)
		}
	}
}

func (c *Conn) handleResponse(msg *message) {
	c.mu.Lock()
	call, ok := c.pending[*msg.ID]
	if ok && call.sub != nil && msg.Error == nil {
		if subID, valid := subscriptionKey(msg.Result); valid {
			call.sub.id = subID
			c.subs[subID] = call.sub
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", zap.Uint64("id", *msg.ID))
		return
	}
	call.resp <- msg
}

func (c *Conn) handleNotification(msg *message) {
	var n notification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		c.logger.Debug("dropping malformed notification",
			zap.String("method", msg.Method),
			zap.Error(err),
		)
		return
	}
	subID, valid := subscriptionKey(n.Subscription)
	if !valid {
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case sub.ch <- n.Result:
	case <-sub.quit:
	case <-c.done:
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnClosed
		}
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) closedErr() error {
	if errors.Is(c.err, ErrConnClosed) {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %v", ErrConnClosed, c.err)
}

// IsConnectionError reports whether err indicates a broken transport
// rather than a remote error response
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// Subscription receives notification payloads for one subscription id
type Subscription struct {
	conn        *Conn
	id          string
	unsubscribe string
	ch          chan json.RawMessage
	quit        chan struct{}
	once        sync.Once
}

// ID returns the remote subscription id
func (s *Subscription) ID() string {
	return s.id
}

// C returns the notification channel
func (s *Subscription) C() <-chan json.RawMessage {
	return s.ch
}

// Done is closed when the underlying connection stops
func (s *Subscription) Done() <-chan struct{} {
	return s.conn.done
}

// Err returns the connection error once Done is closed
func (s *Subscription) Err() error {
	return s.conn.Err()
}

// Unsubscribe stops routing notifications and tells the remote end,
// best effort
func (s *Subscription) Unsubscribe(ctx context.Context) {
	s.once.Do(func() {
		close(s.quit)
		s.conn.mu.Lock()
		delete(s.conn.subs, s.id)
		s.conn.mu.Unlock()

		if s.unsubscribe == "" || s.conn.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeWait)
		defer cancel()
		var ok bool
		if err := s.conn.Call(ctx, &ok, s.unsubscribe, s.id); err != nil {
			s.conn.logger.Debug("unsubscribe failed", zap.String("method", s.unsubscribe), zap.Error(err))
		}
	})
}

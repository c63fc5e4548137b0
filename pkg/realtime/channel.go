// Package realtime is the client end of the annotation socket: one Channel
// per embedded page session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

var ErrNotConnected = errors.New("realtime channel is not connected")

const writeWait = 10 * time.Second

// Handler receives inbound frames. Calls are made from the channel's read
// goroutine, one at a time.
type Handler interface {
	HandleNewComment(envelope protocol.Envelope)
	HandleUpdateComment(envelope protocol.Envelope)
	HandleError(envelope protocol.Envelope)
	// HandleDisconnect is called once the channel gives up on the socket,
	// after a policy close, a normal close from the server or a failed
	// reconnect. It must not call Close.
	HandleDisconnect(err error)
	// HandleReconnect is called after a dropped socket was replaced and the
	// room rejoined. Frames sent on the old socket may never be answered.
	HandleReconnect()
}

type Options struct {
	// Endpoint is the ws:// or wss:// address of the hub.
	Endpoint string
	Token    string
	Scope    protocol.Scope

	PingInterval      time.Duration
	ReconnectAttempts uint
	ReconnectDelay    time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = 1
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return o
}

type Channel struct {
	options Options
	handler Handler
	logger  *zap.Logger

	state atomic.Int32

	mu    sync.Mutex
	conn  *websocket.Conn
	scope protocol.Scope

	// writeMu serializes writers; gorilla connections allow one at a time.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(options Options, handler Handler) *Channel {
	options = options.withDefaults()

	return &Channel{
		options: options,
		handler: handler,
		logger:  options.Logger.With(zap.String("component", "realtime")),
		scope:   options.Scope,
	}
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) Scope() protocol.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.scope
}

// Connect dials the hub, joins the configured scope and starts the read and
// ping loops. The context bounds the dial only.
func (c *Channel) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect: channel is %s", c.State())
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// A failed join write surfaces through the read loop, which sees the
	// same broken socket and decides whether to reconnect.
	if err := c.sendJoin(); err != nil {
		c.logger.Warn("join failed", zap.Error(err))
	}

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop()

	return nil
}

// Join moves the channel to another room. The new scope is kept for
// reconnects even if the socket is currently down.
func (c *Channel) Join(scope protocol.Scope) error {
	c.mu.Lock()
	c.scope = scope
	c.mu.Unlock()

	return c.sendJoin()
}

func (c *Channel) SendNewComment(requestId string, comment protocol.Comment) error {
	return c.sendComment(protocol.MessageTypeNewComment, requestId, comment)
}

func (c *Channel) SendUpdateComment(requestId string, comment protocol.Comment) error {
	return c.sendComment(protocol.MessageTypeUpdateComment, requestId, comment)
}

// Ping asks the hub whether it still has the channel in its room. Without a
// room there is nothing to check and no frame is sent.
func (c *Channel) Ping() error {
	scope := c.Scope()
	if scope.IsZero() {
		return nil
	}

	return c.write(protocol.Envelope{
		Type:      protocol.MessageTypePing,
		ProjectId: scope.ProjectId,
		Url:       scope.Url,
	})
}

// Close sends a normal close frame and waits for the loops to exit.
func (c *Channel) Close() error {
	if c.cancel == nil {
		return nil
	}

	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait))
		err = conn.Close()
	}

	c.wg.Wait()
	c.state.Store(int32(StateDisconnected))

	return err
}

func (c *Channel) sendComment(messageType protocol.MessageType, requestId string, comment protocol.Comment) error {
	scope := c.Scope()
	if comment.Url == "" {
		comment.Url = scope.Url
	}

	return c.write(protocol.Envelope{
		Type:      messageType,
		ProjectId: scope.ProjectId,
		Url:       comment.Url,
		Comment:   &comment,
		RequestId: requestId,
	})
}

func (c *Channel) sendJoin() error {
	scope := c.Scope()

	err := c.write(protocol.Envelope{
		Type:      protocol.MessageTypeJoin,
		ProjectId: scope.ProjectId,
		Url:       scope.Url,
	})
	if err != nil {
		return err
	}

	c.state.Store(int32(StateJoined))

	return nil
}

func (c *Channel) write(envelope protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("write %s: %w", envelope.Type, err)
	}

	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.options.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	query := endpoint.Query()
	query.Set("token", c.options.Token)
	endpoint.RawQuery = query.Encode()

	conn, _, err := c.options.Dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.options.Endpoint, err)
	}

	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			next, err := c.reconnect(conn, err)
			if err != nil {
				c.cancel()
				c.state.Store(int32(StateDisconnected))
				c.handler.HandleDisconnect(err)
				return
			}

			conn = next
			continue
		}

		envelope, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		c.dispatch(envelope)
	}
}

// reconnect replaces a dropped socket. Policy and normal closes are final;
// anything else gets a bounded number of reconnects, each replaying join.
func (c *Channel) reconnect(dropped *websocket.Conn, cause error) (*websocket.Conn, error) {
	_ = dropped.Close()

	c.mu.Lock()
	if c.conn == dropped {
		c.conn = nil
	}
	c.mu.Unlock()

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
		return nil, cause
	}

	c.logger.Warn("connection lost, reconnecting", zap.Error(cause))
	c.state.Store(int32(StateConnecting))

	var conn *websocket.Conn
	err := retry.New(
		retry.Attempts(c.options.ReconnectAttempts),
		retry.Delay(c.options.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(c.ctx),
	).Do(func() error {
		var err error
		conn, err = c.dial(c.ctx)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, c.ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.sendJoin(); err != nil {
		return nil, fmt.Errorf("rejoin: %w", err)
	}

	c.logger.Info("reconnected", zap.String("scope", c.Scope().String()))
	c.handler.HandleReconnect()

	return conn, nil
}

func (c *Channel) dispatch(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.MessageTypeNewComment:
		c.handler.HandleNewComment(envelope)
	case protocol.MessageTypeUpdateComment:
		c.handler.HandleUpdateComment(envelope)
	case protocol.MessageTypeError:
		c.handler.HandleError(envelope)
	case protocol.MessageTypePing:
		if envelope.Status != nil && !*envelope.Status {
			c.logger.Info("scope drift detected, rejoining", zap.String("scope", c.Scope().String()))

			if err := c.sendJoin(); err != nil {
				c.logger.Warn("rejoin failed", zap.Error(err))
			}
		}
	default:
		c.logger.Debug("ignoring frame", zap.String("type", string(envelope.Type)))
	}
}

func (c *Channel) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

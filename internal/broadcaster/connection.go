package broadcaster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Connection is the hub's record of one WebSocket session. Its scope is only
// changed through Hub.Join so the scope index stays consistent.
type Connection struct {
	Id       string
	Identity *auth.Identity
	Send     chan protocol.Envelope

	mu         sync.RWMutex
	scope      protocol.Scope
	lastSeenAt time.Time

	closed atomic.Bool
}

func NewConnection(identity *auth.Identity, sendBufferSize int) *Connection {
	return &Connection{
		Id:         gonanoid.Must(),
		Identity:   identity,
		Send:       make(chan protocol.Envelope, sendBufferSize),
		lastSeenAt: time.Now(),
	}
}

func (c *Connection) Scope() protocol.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.scope
}

func (c *Connection) LastSeenAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastSeenAt
}

func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeenAt = time.Now()
}

func (c *Connection) setScope(scope protocol.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scope = scope
	c.lastSeenAt = time.Now()
}

// IsOpen reports the transport ready-state. The read and write pumps flip it
// when the socket fails; the liveness sweep evicts connections where it is false.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

func (c *Connection) MarkClosed() {
	c.closed.Store(true)
}

type contextKey string

const connectionKey contextKey = "connection"

func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(*Connection)

	return conn, ok
}

package broadcaster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/pkg/protocol"
	"go.uber.org/zap"
)

const DefaultSweepInterval = 30 * time.Second

// Publisher fans an envelope out to every connection joined to scope.
type Publisher interface {
	Publish(ctx context.Context, scope protocol.Scope, envelope protocol.Envelope) error
}

type Hub struct {
	logger *zap.Logger
	mu     sync.RWMutex

	connections        map[string]*Connection
	connectionsByScope map[protocol.Scope]map[string]struct{}
}

func NewHub(
	logger *zap.Logger,
) *Hub {
	return &Hub{
		logger:             logger,
		connections:        make(map[string]*Connection),
		connectionsByScope: make(map[protocol.Scope]map[string]struct{}),
	}
}

func (h *Hub) Add(connection *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[connection.Id] = connection
}

// Join moves the connection into the room identified by scope, leaving the
// room it was in before.
func (h *Hub) Join(connectionId string, scope protocol.Scope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	connection, ok := h.connections[connectionId]
	if !ok {
		return ierr.New(ierr.ErrorCodeNotFound, errors.New("connection not found"))
	}

	h.unindexLocked(connection)

	connection.setScope(scope)

	if _, ok := h.connectionsByScope[scope]; !ok {
		h.connectionsByScope[scope] = make(map[string]struct{})
	}
	h.connectionsByScope[scope][connection.Id] = struct{}{}

	return nil
}

func (h *Hub) Publish(ctx context.Context, scope protocol.Scope, envelope protocol.Envelope) error {
	h.Broadcast(scope, envelope)

	return nil
}

// Broadcast delivers envelope to every open connection whose scope equals
// scope and returns how many received it. Connections whose send buffer is
// full are disconnected.
func (h *Hub) Broadcast(scope protocol.Scope, envelope protocol.Envelope) int {
	h.mu.RLock()

	connectionIds, ok := h.connectionsByScope[scope]
	if !ok {
		h.mu.RUnlock()

		return 0
	}

	delivered := 0
	var staleConnectionIds []string

	for connectionId := range connectionIds {
		connection, ok := h.connections[connectionId]
		if !ok || !connection.IsOpen() {
			continue
		}

		select {
		case connection.Send <- envelope:
			delivered++
		default:
			h.logger.Warn("connection send channel is full, closing connection",
				zap.String("connectionId", connection.Id))

			staleConnectionIds = append(staleConnectionIds, connection.Id)
		}
	}

	h.mu.RUnlock()

	if len(staleConnectionIds) > 0 {
		h.mu.Lock()

		for _, connectionId := range staleConnectionIds {
			h.disconnectLocked(connectionId)
		}

		h.mu.Unlock()
	}

	return delivered
}

// SendTo queues envelope for a single connection. It reports false when the
// connection is gone or cannot accept more frames.
func (h *Hub) SendTo(connectionId string, envelope protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connection, ok := h.connections[connectionId]
	if !ok {
		return false
	}

	select {
	case connection.Send <- envelope:
		return true
	default:
		return false
	}
}

func (h *Hub) Disconnect(connectionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.disconnectLocked(connectionId)
}

// Sweep evicts every connection whose transport is no longer open and
// returns how many were removed.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	pruned := 0
	for connectionId, connection := range h.connections {
		if connection.IsOpen() {
			continue
		}

		h.logger.Debug("pruning closed connection",
			zap.String("connectionId", connectionId),
			zap.Time("lastSeenAt", connection.LastSeenAt()))

		h.disconnectLocked(connectionId)
		pruned++
	}

	return pruned
}

// Run sweeps every interval until ctx is done. A non-positive interval falls
// back to DefaultSweepInterval.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		h.logger.Warn("invalid sweep interval, using default",
			zap.Duration("interval", interval),
			zap.Duration("default", DefaultSweepInterval))
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := h.Sweep()
			if pruned > 0 {
				h.logger.Info("liveness sweep pruned connections",
					zap.Int("pruned", pruned),
					zap.Int("remaining", h.Len()))
			}
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.connections)
}

// IMPORTANT: It must be called only when a write lock is already held.
func (h *Hub) unindexLocked(connection *Connection) {
	scope := connection.Scope()

	scopeConnections, ok := h.connectionsByScope[scope]
	if !ok {
		return
	}

	delete(scopeConnections, connection.Id)
	if len(scopeConnections) == 0 {
		delete(h.connectionsByScope, scope)
	}
}

// IMPORTANT: It must be called only when a write lock is already held.
func (h *Hub) disconnectLocked(connectionId string) {
	connection, ok := h.connections[connectionId]
	if !ok {
		return
	}

	h.unindexLocked(connection)

	delete(h.connections, connectionId)
	connection.MarkClosed()
	close(connection.Send)
}

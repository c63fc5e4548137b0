package server

import (
	"context"
	"net/http"
	"time"

	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	authenticationFailedReason = "Authentication failed"
)

type ConnectionSettings struct {
	SendBufferSize int
	ReadLimit      int64
}

type WebSocketServer struct {
	logger        *zap.Logger
	upgrader      *websocket.Upgrader
	authenticator *auth.Authenticator
	hub           *broadcaster.Hub
	router        *Router
	settings      ConnectionSettings
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	authenticator *auth.Authenticator,
	hub *broadcaster.Hub,
	router *Router,
	settings ConnectionSettings,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		authenticator,
		hub,
		router,
		settings,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/", s.handleUpgrade).Methods("GET")
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, authErr := s.authenticator.Authenticate(r.Context(), auth.TokenFromQuery(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		s.logger.Info("rejecting unauthenticated websocket connection", zap.Error(authErr))

		closeMessage := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authenticationFailedReason)
		_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait))
		_ = conn.Close()

		return
	}

	connection := broadcaster.NewConnection(identity, s.settings.SendBufferSize)
	s.hub.Add(connection)

	logger := s.logger.With(
		zap.String("connectionId", connection.Id),
		zap.String("subject", identity.Subject))

	logger.Info("websocket connection established")

	ctx := broadcaster.WithConnection(auth.WithIdentity(r.Context(), identity), connection)

	go s.writePump(conn, connection, logger)

	s.readPump(ctx, conn, connection, logger)

	logger.Info("websocket connection closed")
}

func (s *WebSocketServer) readPump(
	ctx context.Context,
	conn *websocket.Conn,
	connection *broadcaster.Connection,
	logger *zap.Logger,
) {
	defer func() {
		connection.MarkClosed()
		s.hub.Disconnect(connection.Id)
	}()

	conn.SetReadLimit(s.settings.ReadLimit)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			s.reply(connection, protocol.NewError("", "binary frames are not supported"), logger)
			continue
		}

		envelope, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			s.reply(connection, protocol.NewError("", "malformed message"), logger)
			continue
		}

		logger.Debug("message received",
			zap.String("type", string(envelope.Type)),
			zap.String("projectId", envelope.ProjectId),
			zap.String("url", envelope.Url))

		if response := s.router.RouteMessage(ctx, envelope); response != nil {
			s.reply(connection, *response, logger)
		}
	}
}

// writePump is the only writer of conn. It exits when the hub closes the send
// channel, which is how the hub terminates a connection.
func (s *WebSocketServer) writePump(
	conn *websocket.Conn,
	connection *broadcaster.Connection,
	logger *zap.Logger,
) {
	defer conn.Close()

	for envelope := range connection.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

		if err := conn.WriteJSON(envelope); err != nil {
			logger.Warn("websocket write failed", zap.Error(err))
			connection.MarkClosed()
			return
		}
	}

	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait))
}

func (s *WebSocketServer) reply(connection *broadcaster.Connection, envelope protocol.Envelope, logger *zap.Logger) {
	if !s.hub.SendTo(connection.Id, envelope) {
		logger.Warn("could not queue reply", zap.String("type", string(envelope.Type)))
	}
}

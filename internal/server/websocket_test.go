package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/internal/handler"
	"github.com/goevery/openpreview/internal/persistence/memory"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

var (
	pageA = protocol.Scope{ProjectId: "p1", Url: "https://x.test/a"}
	pageB = protocol.Scope{ProjectId: "p1", Url: "https://x.test/b"}
)

type testStack struct {
	hub    *broadcaster.Hub
	engine *memory.PersistenceEngine
	server *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := zap.NewNop()
	hub := broadcaster.NewHub(logger)
	engine := memory.NewPersistenceEngine()
	authenticator := auth.NewAuthenticator(testSecret, "openpreview", []string{"test-api-key"})

	scopeValidator := handler.NewScopeValidator()
	joinHandler := handler.NewJoinHandler(scopeValidator, hub)
	pingHandler := handler.NewPingHandler()
	newCommentHandler := handler.NewNewCommentHandler(scopeValidator, engine, hub)
	updateCommentHandler := handler.NewUpdateCommentHandler(scopeValidator, engine, hub)

	router := NewRouter(logger, joinHandler, pingHandler, newCommentHandler, updateCommentHandler)
	wsServer := NewWebSocketServer(logger, &websocket.Upgrader{}, authenticator, hub, router, ConnectionSettings{
		SendBufferSize: 16,
		ReadLimit:      64 * 1024,
	})
	restServer := NewRESTServer(logger, authenticator, engine, newCommentHandler, updateCommentHandler)

	mainRouter := mux.NewRouter()
	restServer.Register(mainRouter)
	wsServer.Register(mainRouter)

	server := httptest.NewServer(mainRouter)
	t.Cleanup(server.Close)

	return &testStack{hub, engine, server}
}

func signToken(t *testing.T, subject string, projects ...string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      subject,
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Unix(),
		"aud":      "openpreview",
		"projects": projects,
	})

	tokenString, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return tokenString
}

func (s *testStack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	u, _ := url.Parse(s.server.URL)
	u.Scheme = "ws"
	u.Path = "/"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	var envelope protocol.Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&envelope))

	return envelope
}

// join sends a join and confirms it with a ping, since join has no reply.
func join(t *testing.T, conn *websocket.Conn, scope protocol.Scope) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypeJoin,
		ProjectId: scope.ProjectId,
		Url:       scope.Url,
	}))
	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypePing,
		ProjectId: scope.ProjectId,
		Url:       scope.Url,
	}))

	pong := read(t, conn)
	require.Equal(t, protocol.MessageTypePing, pong.Type)
	require.NotNil(t, pong.Status)
	require.True(t, *pong.Status)
}

func TestWebSocketServer_RejectsInvalidToken(t *testing.T) {
	stack := newTestStack(t)

	for name, token := range map[string]string{
		"missing token": "",
		"garbage token": "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			conn := stack.dial(t, token)

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()

			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
			assert.Equal(t, "Authentication failed", closeErr.Text)
		})
	}
}

func TestWebSocketServer_NewCommentReachesOnlyItsPage(t *testing.T) {
	stack := newTestStack(t)

	author := stack.dial(t, signToken(t, "alice", "p1"))
	sameTab := stack.dial(t, signToken(t, "bob", "p1"))
	otherPage := stack.dial(t, signToken(t, "carol", "p1"))

	join(t, author, pageA)
	join(t, sameTab, pageA)
	join(t, otherPage, pageB)

	require.NoError(t, author.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypeNewComment,
		ProjectId: pageA.ProjectId,
		Url:       pageA.Url,
		RequestId: "draft-1",
		Comment: &protocol.Comment{
			Content:  "hi",
			Selector: "body > div",
			XPercent: 10,
			YPercent: 20,
			Url:      pageA.Url,
		},
	}))

	for _, conn := range []*websocket.Conn{author, sameTab} {
		envelope := read(t, conn)

		assert.Equal(t, protocol.MessageTypeNewComment, envelope.Type)
		assert.Equal(t, "draft-1", envelope.RequestId)
		require.NotNil(t, envelope.Comment)
		assert.NotEmpty(t, envelope.Comment.Id)
		assert.Equal(t, "hi", envelope.Comment.Content)
		assert.Equal(t, "alice", envelope.Comment.AuthorId)
		assert.Equal(t, 10.0, envelope.Comment.XPercent)
	}

	otherPage.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := otherPage.ReadMessage()
	assert.Error(t, err)

	comments, err := stack.engine.ListCommentsForPage(t.Context(), pageA.ProjectId, pageA.Url)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestWebSocketServer_UpdateComment(t *testing.T) {
	stack := newTestStack(t)

	conn := stack.dial(t, signToken(t, "alice", "p1"))
	join(t, conn, pageA)

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypeNewComment,
		ProjectId: pageA.ProjectId,
		Url:       pageA.Url,
		Comment:   &protocol.Comment{Content: "hi", Selector: "body", Url: pageA.Url},
	}))
	created := read(t, conn)
	require.NotNil(t, created.Comment)

	moved := *created.Comment
	moved.XPercent = 55
	moved.YPercent = 65

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypeUpdateComment,
		ProjectId: pageA.ProjectId,
		Url:       pageA.Url,
		Comment:   &moved,
	}))

	updated := read(t, conn)
	assert.Equal(t, protocol.MessageTypeUpdateComment, updated.Type)
	require.NotNil(t, updated.Comment)
	assert.Equal(t, created.Comment.Id, updated.Comment.Id)
	assert.Equal(t, 55.0, updated.Comment.XPercent)
	assert.Equal(t, 65.0, updated.Comment.YPercent)
	assert.Equal(t, "hi", updated.Comment.Content)

	t.Run("unknown comment", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(protocol.Envelope{
			Type:      protocol.MessageTypeUpdateComment,
			ProjectId: pageA.ProjectId,
			Url:       pageA.Url,
			RequestId: "r-404",
			Comment:   &protocol.Comment{Id: "missing", Selector: "body", Url: pageA.Url},
		}))

		envelope := read(t, conn)
		assert.Equal(t, protocol.MessageTypeError, envelope.Type)
		assert.Equal(t, "r-404", envelope.RequestId)
	})

	t.Run("comment cannot change page", func(t *testing.T) {
		otherPage := stack.dial(t, signToken(t, "mallory", "p1"))
		join(t, otherPage, pageB)

		relocated := moved
		relocated.Url = pageB.Url

		require.NoError(t, otherPage.WriteJSON(protocol.Envelope{
			Type:      protocol.MessageTypeUpdateComment,
			ProjectId: pageB.ProjectId,
			Url:       pageB.Url,
			RequestId: "r-move",
			Comment:   &relocated,
		}))

		envelope := read(t, otherPage)
		assert.Equal(t, protocol.MessageTypeError, envelope.Type)
		assert.Equal(t, "r-move", envelope.RequestId)

		comments, err := stack.engine.ListCommentsForPage(context.Background(), pageA.ProjectId, pageA.Url)
		require.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, pageA.Url, comments[0].Url)
	})
}

func TestWebSocketServer_PingReportsMembership(t *testing.T) {
	stack := newTestStack(t)

	conn := stack.dial(t, signToken(t, "alice", "p1"))

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypePing,
		ProjectId: pageA.ProjectId,
		Url:       pageA.Url,
	}))

	pong := read(t, conn)
	require.NotNil(t, pong.Status)
	assert.False(t, *pong.Status)

	join(t, conn, pageA)
}

func TestWebSocketServer_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	stack := newTestStack(t)

	conn := stack.dial(t, signToken(t, "alice", "p1"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("invalid-json")))

	envelope := read(t, conn)
	assert.Equal(t, protocol.MessageTypeError, envelope.Type)
	assert.NotEmpty(t, envelope.Message)

	join(t, conn, pageA)
}

func TestWebSocketServer_RejectsForeignProject(t *testing.T) {
	stack := newTestStack(t)

	conn := stack.dial(t, signToken(t, "alice", "p2"))

	require.NoError(t, conn.WriteJSON(protocol.Envelope{
		Type:      protocol.MessageTypeJoin,
		ProjectId: pageA.ProjectId,
		Url:       pageA.Url,
	}))

	envelope := read(t, conn)
	assert.Equal(t, protocol.MessageTypeError, envelope.Type)
}

func TestWebSocketServer_DisconnectLeavesHub(t *testing.T) {
	stack := newTestStack(t)

	conn := stack.dial(t, signToken(t, "alice", "p1"))
	join(t, conn, pageA)
	assert.Equal(t, 1, stack.hub.Len())

	conn.Close()

	assert.Eventually(t, func() bool {
		return stack.hub.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

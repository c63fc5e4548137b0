package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var pageA = protocol.Scope{ProjectId: "p1", Url: "https://x.test/a"}

func connectionContext(projects ...string) context.Context {
	connection := broadcaster.NewConnection(&auth.Identity{Subject: "u1", Projects: projects}, 4)

	return broadcaster.WithConnection(context.Background(), connection)
}

func TestNewCommentHandler(t *testing.T) {
	validator := NewScopeValidator()

	t.Run("persists then broadcasts to the message scope", func(t *testing.T) {
		engine := &mockEngine{}
		publisher := &mockPublisher{}
		handler := NewNewCommentHandler(validator, engine, publisher)

		persisted := protocol.Comment{Id: "c1", ProjectId: "p1", Content: "hi", Selector: "body", XPercent: 50, YPercent: 50, Url: pageA.Url, AuthorId: "u1"}

		var calls []string
		engine.On("InsertComment", mock.Anything, persistence.InsertRequest{
			ProjectId: "p1",
			Url:       pageA.Url,
			Content:   "hi",
			Selector:  "body",
			XPercent:  50,
			YPercent:  50,
			AuthorId:  "u1",
		}).Run(func(mock.Arguments) { calls = append(calls, "insert") }).Return(persisted, nil).Once()

		publisher.On("Publish", mock.Anything, pageA, protocol.Envelope{
			Type:      protocol.MessageTypeNewComment,
			ProjectId: "p1",
			Url:       pageA.Url,
			Comment:   &persisted,
			RequestId: "draft-1",
		}).Run(func(mock.Arguments) { calls = append(calls, "publish") }).Return(nil).Once()

		comment, err := handler.Handle(connectionContext("p1"), CommentRequest{
			Scope:     pageA,
			Comment:   &protocol.Comment{Content: "hi", Selector: "body", XPercent: 50, YPercent: 50},
			RequestId: "draft-1",
		})

		assert.NoError(t, err)
		assert.Equal(t, persisted, comment)
		assert.Equal(t, []string{"insert", "publish"}, calls)
		engine.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("persistence failure is not broadcast", func(t *testing.T) {
		engine := &mockEngine{}
		publisher := &mockPublisher{}
		handler := NewNewCommentHandler(validator, engine, publisher)

		engine.On("InsertComment", mock.Anything, mock.Anything).
			Return(protocol.Comment{}, errors.New("connection reset")).Once()

		_, err := handler.Handle(connectionContext("p1"), CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Content: "hi", Selector: "body", XPercent: 1, YPercent: 1},
		})

		assert.Equal(t, ierr.ErrorCodeUnavailable, ierr.CodeOf(err))
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects invalid payloads before persisting", func(t *testing.T) {
		engine := &mockEngine{}
		publisher := &mockPublisher{}
		handler := NewNewCommentHandler(validator, engine, publisher)

		invalid := []CommentRequest{
			{Scope: pageA},
			{Scope: pageA, Comment: &protocol.Comment{Content: " ", Selector: "body"}},
			{Scope: pageA, Comment: &protocol.Comment{Content: "hi", Selector: ""}},
			{Scope: pageA, Comment: &protocol.Comment{Content: "hi", Selector: "body", XPercent: 101}},
			{Scope: pageA, Comment: &protocol.Comment{Content: "hi", Selector: "body", YPercent: -1}},
			{Scope: pageA, Comment: &protocol.Comment{Content: "hi", Selector: "body", Url: "https://x.test/b"}},
			{Scope: protocol.Scope{ProjectId: "", Url: pageA.Url}, Comment: &protocol.Comment{Content: "hi", Selector: "body"}},
			{Scope: protocol.Scope{ProjectId: "p1"}, Comment: &protocol.Comment{Content: "hi", Selector: "body"}},
		}

		for _, req := range invalid {
			_, err := handler.Handle(connectionContext("p1"), req)

			assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err), "%+v", req)
		}

		engine.AssertNotCalled(t, "InsertComment", mock.Anything, mock.Anything)
	})

	t.Run("project not granted", func(t *testing.T) {
		handler := NewNewCommentHandler(validator, &mockEngine{}, &mockPublisher{})

		_, err := handler.Handle(connectionContext("p2"), CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Content: "hi", Selector: "body"},
		})

		assert.Equal(t, ierr.ErrorCodePermissionDenied, ierr.CodeOf(err))
	})

	t.Run("unauthenticated", func(t *testing.T) {
		handler := NewNewCommentHandler(validator, &mockEngine{}, &mockPublisher{})

		_, err := handler.Handle(context.Background(), CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Content: "hi", Selector: "body"},
		})

		assert.Equal(t, ierr.ErrorCodeUnauthenticated, ierr.CodeOf(err))
	})

	t.Run("identity from http context", func(t *testing.T) {
		engine := &mockEngine{}
		publisher := &mockPublisher{}
		handler := NewNewCommentHandler(validator, engine, publisher)

		engine.On("InsertComment", mock.Anything, mock.MatchedBy(func(r persistence.InsertRequest) bool {
			return r.AuthorId == "api"
		})).Return(protocol.Comment{Id: "c9"}, nil).Once()
		publisher.On("Publish", mock.Anything, pageA, mock.Anything).Return(nil).Once()

		ctx := auth.WithIdentity(context.Background(), &auth.Identity{Subject: "api", IsAdmin: true})
		comment, err := handler.Handle(ctx, CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Content: "hi", Selector: "body"},
		})

		assert.NoError(t, err)
		assert.Equal(t, "c9", comment.Id)
	})
}

func TestUpdateCommentHandler(t *testing.T) {
	validator := NewScopeValidator()

	t.Run("broadcasts to the scope embedded in the message", func(t *testing.T) {
		engine := &mockEngine{}
		publisher := &mockPublisher{}
		handler := NewUpdateCommentHandler(validator, engine, publisher)

		ctx := connectionContext("p1")
		connection, _ := broadcaster.ConnectionFromContext(ctx)
		hub := broadcaster.NewHub(nil)
		hub.Add(connection)
		assert.NoError(t, hub.Join(connection.Id, protocol.Scope{ProjectId: "p1", Url: "https://x.test/elsewhere"}))

		updated := protocol.Comment{Id: "c1", ProjectId: "p1", Selector: "#hero", XPercent: 10, YPercent: 20, Url: pageA.Url}
		engine.On("UpdateComment", mock.Anything, persistence.UpdateRequest{
			Id:        "c1",
			ProjectId: "p1",
			Url:       pageA.Url,
			Selector:  "#hero",
			XPercent:  10,
			YPercent:  20,
		}).Return(updated, nil).Once()
		publisher.On("Publish", mock.Anything, pageA, mock.MatchedBy(func(e protocol.Envelope) bool {
			return e.Type == protocol.MessageTypeUpdateComment && e.Comment.Id == "c1"
		})).Return(nil).Once()

		comment, err := handler.Handle(ctx, CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Id: "c1", Selector: "#hero", XPercent: 10, YPercent: 20},
		})

		assert.NoError(t, err)
		assert.Equal(t, updated, comment)
		engine.AssertExpectations(t)
		publisher.AssertExpectations(t)
	})

	t.Run("missing id", func(t *testing.T) {
		handler := NewUpdateCommentHandler(validator, &mockEngine{}, &mockPublisher{})

		_, err := handler.Handle(connectionContext("p1"), CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Selector: "body"},
		})

		assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
	})

	t.Run("unknown comment", func(t *testing.T) {
		engine := &mockEngine{}
		handler := NewUpdateCommentHandler(validator, engine, &mockPublisher{})

		engine.On("UpdateComment", mock.Anything, mock.Anything).
			Return(protocol.Comment{}, persistence.ErrCommentNotFound).Once()

		_, err := handler.Handle(connectionContext("p1"), CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Id: "nope", Selector: "body"},
		})

		assert.Equal(t, ierr.ErrorCodeNotFound, ierr.CodeOf(err))
	})

	t.Run("store failure", func(t *testing.T) {
		engine := &mockEngine{}
		handler := NewUpdateCommentHandler(validator, engine, &mockPublisher{})

		engine.On("UpdateComment", mock.Anything, mock.Anything).
			Return(protocol.Comment{}, errors.New("timeout")).Once()

		_, err := handler.Handle(connectionContext("p1"), CommentRequest{
			Scope:   pageA,
			Comment: &protocol.Comment{Id: "c1", Selector: "body"},
		})

		assert.Equal(t, ierr.ErrorCodeUnavailable, ierr.CodeOf(err))
	})
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
)

// CommentRequest carries a newComment or updateComment mutation. The room
// the result is broadcast to is always Scope, never the sender's joined scope.
type CommentRequest struct {
	Scope     protocol.Scope
	Comment   *protocol.Comment
	RequestId string
}

type NewCommentHandlerInterface interface {
	Handle(ctx context.Context, req CommentRequest) (protocol.Comment, error)
}

type UpdateCommentHandlerInterface interface {
	Handle(ctx context.Context, req CommentRequest) (protocol.Comment, error)
}

type NewCommentHandler struct {
	scopeValidator    *ScopeValidator
	persistenceEngine persistence.Engine
	publisher         broadcaster.Publisher
}

func NewNewCommentHandler(
	scopeValidator *ScopeValidator,
	persistenceEngine persistence.Engine,
	publisher broadcaster.Publisher,
) *NewCommentHandler {
	return &NewCommentHandler{
		scopeValidator,
		persistenceEngine,
		publisher,
	}
}

func (h *NewCommentHandler) Handle(ctx context.Context, req CommentRequest) (protocol.Comment, error) {
	identity, err := authorize(ctx, h.scopeValidator, req)
	if err != nil {
		return protocol.Comment{}, err
	}

	if strings.TrimSpace(req.Comment.Content) == "" {
		return protocol.Comment{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("content cannot be empty"))
	}

	comment, err := h.persistenceEngine.InsertComment(ctx, persistence.InsertRequest{
		ProjectId: req.Scope.ProjectId,
		Url:       req.Comment.Url,
		Content:   req.Comment.Content,
		Selector:  req.Comment.Selector,
		XPercent:  req.Comment.XPercent,
		YPercent:  req.Comment.YPercent,
		AuthorId:  identity.Subject,
		ParentId:  req.Comment.ParentId,
	})
	if err != nil {
		return protocol.Comment{}, ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("failed to save comment: %w", err))
	}

	err = publish(ctx, h.publisher, protocol.MessageTypeNewComment, req, comment)
	if err != nil {
		return protocol.Comment{}, err
	}

	return comment, nil
}

type UpdateCommentHandler struct {
	scopeValidator    *ScopeValidator
	persistenceEngine persistence.Engine
	publisher         broadcaster.Publisher
}

func NewUpdateCommentHandler(
	scopeValidator *ScopeValidator,
	persistenceEngine persistence.Engine,
	publisher broadcaster.Publisher,
) *UpdateCommentHandler {
	return &UpdateCommentHandler{
		scopeValidator,
		persistenceEngine,
		publisher,
	}
}

func (h *UpdateCommentHandler) Handle(ctx context.Context, req CommentRequest) (protocol.Comment, error) {
	_, err := authorize(ctx, h.scopeValidator, req)
	if err != nil {
		return protocol.Comment{}, err
	}

	if req.Comment.Id == "" {
		return protocol.Comment{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("missing comment id"))
	}

	comment, err := h.persistenceEngine.UpdateComment(ctx, persistence.UpdateRequest{
		Id:        req.Comment.Id,
		ProjectId: req.Scope.ProjectId,
		Url:       req.Comment.Url,
		Content:   req.Comment.Content,
		Selector:  req.Comment.Selector,
		XPercent:  req.Comment.XPercent,
		YPercent:  req.Comment.YPercent,
	})
	if errors.Is(err, persistence.ErrCommentNotFound) {
		return protocol.Comment{}, ierr.New(ierr.ErrorCodeNotFound, err)
	}
	if err != nil {
		return protocol.Comment{}, ierr.New(ierr.ErrorCodeUnavailable, fmt.Errorf("failed to update comment: %w", err))
	}

	err = publish(ctx, h.publisher, protocol.MessageTypeUpdateComment, req, comment)
	if err != nil {
		return protocol.Comment{}, err
	}

	return comment, nil
}

// authorize resolves the caller from the WebSocket connection, or from the
// request context on the HTTP path, and checks the payload and project grant.
func authorize(ctx context.Context, scopeValidator *ScopeValidator, req CommentRequest) (*auth.Identity, error) {
	var identity *auth.Identity

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if ok {
		identity = connection.Identity
	}

	if identity == nil {
		identity, ok = auth.IdentityFromContext(ctx)
		if !ok || identity == nil {
			return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
		}
	}

	err := scopeValidator.Validate(req.Scope)
	if err != nil {
		return nil, err
	}

	err = scopeValidator.ValidateComment(req.Scope, req.Comment)
	if err != nil {
		return nil, err
	}

	if !identity.IsAuthorized(req.Scope.ProjectId) {
		return nil, ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not authorized for this project"))
	}

	return identity, nil
}

func publish(
	ctx context.Context,
	publisher broadcaster.Publisher,
	messageType protocol.MessageType,
	req CommentRequest,
	comment protocol.Comment,
) error {
	envelope := protocol.Envelope{
		Type:      messageType,
		ProjectId: req.Scope.ProjectId,
		Url:       req.Scope.Url,
		Comment:   &comment,
		RequestId: req.RequestId,
	}

	err := publisher.Publish(ctx, req.Scope, envelope)
	if err != nil {
		return ierr.New(ierr.ErrorCodeInternal, fmt.Errorf("failed to broadcast comment: %w", err))
	}

	return nil
}

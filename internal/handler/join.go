package handler

import (
	"context"
	"errors"

	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/pkg/protocol"
)

type JoinRequest struct {
	Scope protocol.Scope
}

type JoinHandlerInterface interface {
	Handle(ctx context.Context, req JoinRequest) error
}

type Joiner interface {
	Join(connectionId string, scope protocol.Scope) error
}

type JoinHandler struct {
	scopeValidator *ScopeValidator
	hub            Joiner
}

func NewJoinHandler(
	scopeValidator *ScopeValidator,
	hub Joiner,
) *JoinHandler {
	return &JoinHandler{
		scopeValidator,
		hub,
	}
}

func (h *JoinHandler) Handle(ctx context.Context, req JoinRequest) error {
	err := h.scopeValidator.Validate(req.Scope)
	if err != nil {
		return err
	}

	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return errors.New("connection not found in context")
	}

	if !connection.Identity.IsAuthorized(req.Scope.ProjectId) {
		return ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not authorized for this project"))
	}

	return h.hub.Join(connection.Id, req.Scope)
}

package handler

import (
	"context"
	"errors"

	"github.com/goevery/openpreview/internal/broadcaster"
	"github.com/goevery/openpreview/pkg/protocol"
)

type PingRequest struct {
	Scope protocol.Scope
}

type PingResponse struct {
	Status bool
}

type PingHandlerInterface interface {
	Handle(ctx context.Context, req PingRequest) (PingResponse, error)
}

type PingHandler struct{}

func NewPingHandler() *PingHandler {
	return &PingHandler{}
}

// Handle reports whether the scope recorded for the connection still matches
// the one the client claims. A false status tells the client to join again.
func (h *PingHandler) Handle(ctx context.Context, req PingRequest) (PingResponse, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return PingResponse{}, errors.New("connection not found in context")
	}

	connection.Touch()

	return PingResponse{
		Status: connection.Scope() == req.Scope,
	}, nil
}

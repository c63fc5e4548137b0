package server

import (
	"context"
	"errors"

	"github.com/goevery/openpreview/internal/handler"
	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/pkg/protocol"
	"go.uber.org/zap"
)

type Router struct {
	logger *zap.Logger

	joinHandler          handler.JoinHandlerInterface
	pingHandler          handler.PingHandlerInterface
	newCommentHandler    handler.NewCommentHandlerInterface
	updateCommentHandler handler.UpdateCommentHandlerInterface
}

func NewRouter(
	logger *zap.Logger,
	joinHandler handler.JoinHandlerInterface,
	pingHandler handler.PingHandlerInterface,
	newCommentHandler handler.NewCommentHandlerInterface,
	updateCommentHandler handler.UpdateCommentHandlerInterface,
) *Router {
	return &Router{
		logger,
		joinHandler,
		pingHandler,
		newCommentHandler,
		updateCommentHandler,
	}
}

// RouteMessage handles one inbound frame and returns the frame to send back
// to the sender, if any. Errors never escape: they become an error frame
// addressed to the sender only.
func (r *Router) RouteMessage(ctx context.Context, envelope protocol.Envelope) *protocol.Envelope {
	response, err := r.Handle(ctx, envelope)
	if err != nil {
		r.logger.Debug("message rejected",
			zap.String("type", string(envelope.Type)),
			zap.String("requestId", envelope.RequestId),
			zap.String("code", string(ierr.CodeOf(err))))

		reply := protocol.NewError(envelope.RequestId, r.mapError(err).Message)

		return &reply
	}

	return response
}

func (r *Router) Handle(ctx context.Context, envelope protocol.Envelope) (*protocol.Envelope, error) {
	switch envelope.Type {
	case protocol.MessageTypeJoin:
		return nil, r.joinHandler.Handle(ctx, handler.JoinRequest{
			Scope: envelope.Scope(),
		})
	case protocol.MessageTypePing:
		pingResponse, err := r.pingHandler.Handle(ctx, handler.PingRequest{
			Scope: envelope.Scope(),
		})
		if err != nil {
			return nil, err
		}

		return &protocol.Envelope{
			Type:      protocol.MessageTypePing,
			ProjectId: envelope.ProjectId,
			Url:       envelope.Url,
			Status:    &pingResponse.Status,
			RequestId: envelope.RequestId,
		}, nil
	case protocol.MessageTypeNewComment:
		_, err := r.newCommentHandler.Handle(ctx, commentRequest(envelope))

		return nil, err
	case protocol.MessageTypeUpdateComment:
		_, err := r.updateCommentHandler.Handle(ctx, commentRequest(envelope))

		return nil, err
	case protocol.MessageTypeError:
		r.logger.Warn("client reported error", zap.String("message", envelope.Message))

		return nil, nil
	default:
		return nil, ierr.New(ierr.ErrorCodeNotFound, errors.New("unknown message type: "+string(envelope.Type)))
	}
}

func commentRequest(envelope protocol.Envelope) handler.CommentRequest {
	return handler.CommentRequest{
		Scope:     envelope.Scope(),
		Comment:   envelope.Comment,
		RequestId: envelope.RequestId,
	}
}

func (r *Router) mapError(err error) ierr.Error {
	var handlerErr ierr.Error
	if errors.As(err, &handlerErr) {
		switch handlerErr.Code {
		case ierr.ErrorCodeUnavailable:
			r.logger.Error("store unavailable", zap.Error(err))

			return ierr.New(ierr.ErrorCodeUnavailable, errors.New("failed to save comment"))
		case ierr.ErrorCodeInternal:
			r.logger.Error("error in message handler", zap.Error(err))

			return ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
		default:
			return handlerErr
		}
	}

	r.logger.Error("error in message handler", zap.Error(err))

	return ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
}

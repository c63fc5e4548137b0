package handler

import (
	"context"

	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Setup(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockEngine) InsertComment(ctx context.Context, request persistence.InsertRequest) (protocol.Comment, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(protocol.Comment), args.Error(1)
}

func (m *mockEngine) UpdateComment(ctx context.Context, request persistence.UpdateRequest) (protocol.Comment, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(protocol.Comment), args.Error(1)
}

func (m *mockEngine) ListCommentsForPage(ctx context.Context, projectId string, url string) ([]protocol.Comment, error) {
	args := m.Called(ctx, projectId, url)
	return args.Get(0).([]protocol.Comment), args.Error(1)
}

func (m *mockEngine) ListCommentsForProject(ctx context.Context, projectId string) ([]protocol.Comment, error) {
	args := m.Called(ctx, projectId)
	return args.Get(0).([]protocol.Comment), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, scope protocol.Scope, envelope protocol.Envelope) error {
	return m.Called(ctx, scope, envelope).Error(0)
}

type mockJoiner struct {
	mock.Mock
}

func (m *mockJoiner) Join(connectionId string, scope protocol.Scope) error {
	return m.Called(connectionId, scope).Error(0)
}

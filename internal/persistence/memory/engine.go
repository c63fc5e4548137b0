package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/lo"
)

// PersistenceEngine keeps comments in process memory. It backs development
// deployments and tests.
type PersistenceEngine struct {
	mu       sync.RWMutex
	comments []protocol.Comment
	now      func() time.Time
}

func NewPersistenceEngine() *PersistenceEngine {
	return &PersistenceEngine{
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	return nil
}

func (e *PersistenceEngine) InsertComment(ctx context.Context, request persistence.InsertRequest) (protocol.Comment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	createTime := e.now()

	comment := protocol.Comment{
		Id:        gonanoid.Must(),
		ProjectId: request.ProjectId,
		Content:   request.Content,
		Selector:  request.Selector,
		XPercent:  request.XPercent,
		YPercent:  request.YPercent,
		Url:       request.Url,
		AuthorId:  request.AuthorId,
		ParentId:  request.ParentId,
		CreatedAt: createTime,
		UpdatedAt: createTime,
	}

	e.comments = append(e.comments, comment)

	return comment, nil
}

func (e *PersistenceEngine) UpdateComment(ctx context.Context, request persistence.UpdateRequest) (protocol.Comment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, index, found := lo.FindIndexOf(e.comments, func(c protocol.Comment) bool {
		return c.Id == request.Id && c.ProjectId == request.ProjectId &&
			(request.Url == "" || c.Url == request.Url)
	})
	if !found {
		return protocol.Comment{}, persistence.ErrCommentNotFound
	}

	comment := e.comments[index]
	if request.Content != "" {
		comment.Content = request.Content
	}
	comment.Selector = request.Selector
	comment.XPercent = request.XPercent
	comment.YPercent = request.YPercent
	comment.UpdatedAt = e.now()

	e.comments[index] = comment

	return comment, nil
}

func (e *PersistenceEngine) ListCommentsForPage(ctx context.Context, projectId string, url string) ([]protocol.Comment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return lo.Filter(e.comments, func(c protocol.Comment, _ int) bool {
		return c.ProjectId == projectId && c.Url == url
	}), nil
}

func (e *PersistenceEngine) ListCommentsForProject(ctx context.Context, projectId string) ([]protocol.Comment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return lo.Filter(e.comments, func(c protocol.Comment, _ int) bool {
		return c.ProjectId == projectId
	}), nil
}

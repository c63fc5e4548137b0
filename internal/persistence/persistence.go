package persistence

import (
	"context"
	"errors"

	"github.com/goevery/openpreview/pkg/protocol"
)

var ErrCommentNotFound = errors.New("comment not found")

// Engine is the external comment store. Writes are last-write-wins; the
// engine assigns ids and timestamps.
type Engine interface {
	Setup(ctx context.Context) error
	InsertComment(ctx context.Context, request InsertRequest) (protocol.Comment, error)
	UpdateComment(ctx context.Context, request UpdateRequest) (protocol.Comment, error)
	ListCommentsForPage(ctx context.Context, projectId string, url string) ([]protocol.Comment, error)
	ListCommentsForProject(ctx context.Context, projectId string) ([]protocol.Comment, error)
}

type InsertRequest struct {
	ProjectId string
	Url       string
	Content   string
	Selector  string
	XPercent  float64
	YPercent  float64
	AuthorId  string
	ParentId  string
}

// UpdateRequest repositions a comment on its page. A comment never changes
// page: a non-empty Url must equal the stored one or the comment is not
// found. Empty Content keeps the stored value.
type UpdateRequest struct {
	Id        string
	ProjectId string
	Url       string
	Content   string
	Selector  string
	XPercent  float64
	YPercent  float64
}

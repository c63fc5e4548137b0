package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
	_ "github.com/jackc/pgx/v5/stdlib"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS comments (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	url        TEXT NOT NULL,
	content    TEXT NOT NULL,
	selector   TEXT NOT NULL,
	x_percent  DOUBLE PRECISION NOT NULL,
	y_percent  DOUBLE PRECISION NOT NULL,
	author_id  TEXT NOT NULL DEFAULT '',
	parent_id  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS comments_project_url_idx ON comments (project_id, url, created_at);
`

const columns = `id, project_id, url, content, selector, x_percent, y_percent, author_id, parent_id, created_at, updated_at`

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type PersistenceEngine struct {
	db *sql.DB
}

func NewPersistenceEngine(db *sql.DB) *PersistenceEngine {
	return &PersistenceEngine{db: db}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create comments schema: %w", err)
	}
	return nil
}

func (e *PersistenceEngine) InsertComment(ctx context.Context, request persistence.InsertRequest) (protocol.Comment, error) {
	row := e.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, project_id, url, content, selector, x_percent, y_percent, author_id, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+columns,
		gonanoid.Must(), request.ProjectId, request.Url, request.Content, request.Selector,
		request.XPercent, request.YPercent, request.AuthorId, request.ParentId)

	comment, err := scanComment(row)
	if err != nil {
		return protocol.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (e *PersistenceEngine) UpdateComment(ctx context.Context, request persistence.UpdateRequest) (protocol.Comment, error) {
	row := e.db.QueryRowContext(ctx, `
		UPDATE comments
		SET content = COALESCE(NULLIF($3, ''), content),
			selector = $5, x_percent = $6, y_percent = $7, updated_at = NOW()
		WHERE id = $1 AND project_id = $2 AND ($4 = '' OR url = $4)
		RETURNING `+columns,
		request.Id, request.ProjectId, request.Content, request.Url, request.Selector,
		request.XPercent, request.YPercent)

	comment, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Comment{}, persistence.ErrCommentNotFound
	}
	if err != nil {
		return protocol.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return comment, nil
}

func (e *PersistenceEngine) ListCommentsForPage(ctx context.Context, projectId string, url string) ([]protocol.Comment, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+columns+` FROM comments
		WHERE project_id = $1 AND url = $2
		ORDER BY created_at, id`, projectId, url)
	if err != nil {
		return nil, fmt.Errorf("list page comments: %w", err)
	}
	return scanComments(rows)
}

func (e *PersistenceEngine) ListCommentsForProject(ctx context.Context, projectId string) ([]protocol.Comment, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+columns+` FROM comments
		WHERE project_id = $1
		ORDER BY created_at, id`, projectId)
	if err != nil {
		return nil, fmt.Errorf("list project comments: %w", err)
	}
	return scanComments(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanComment(row scanner) (protocol.Comment, error) {
	var comment protocol.Comment
	err := row.Scan(
		&comment.Id, &comment.ProjectId, &comment.Url, &comment.Content, &comment.Selector,
		&comment.XPercent, &comment.YPercent, &comment.AuthorId, &comment.ParentId,
		&comment.CreatedAt, &comment.UpdatedAt,
	)
	return comment, err
}

func scanComments(rows *sql.Rows) ([]protocol.Comment, error) {
	defer rows.Close()

	comments := []protocol.Comment{}
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

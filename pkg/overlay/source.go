package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goevery/openpreview/pkg/protocol"
)

// CommentSource lists the stored comments a page starts from.
type CommentSource interface {
	ListComments(ctx context.Context, scope protocol.Scope) ([]protocol.Comment, error)
}

// HTTPCommentSource reads comments from the hub's GET /comments endpoint.
type HTTPCommentSource struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (s *HTTPCommentSource) ListComments(ctx context.Context, scope protocol.Scope) ([]protocol.Comment, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.BaseURL, "/")+"/comments", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("X-Project-Id", scope.ProjectId)
	if pageUrl, err := url.Parse(scope.Url); err == nil && pageUrl.Hostname() != "" {
		req.Header.Set("X-Domain", pageUrl.Hostname())
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list comments: unexpected status %d", resp.StatusCode)
	}

	var comments []protocol.Comment
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}

	return comments, nil
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/goevery/openpreview/internal/auth"
	"github.com/goevery/openpreview/internal/handler"
	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	projectIdHeader = "X-Project-Id"
	domainHeader    = "X-Domain"
)

type RESTServer struct {
	logger *zap.Logger

	authenticator        *auth.Authenticator
	persistenceEngine    persistence.Engine
	newCommentHandler    handler.NewCommentHandlerInterface
	updateCommentHandler handler.UpdateCommentHandlerInterface
}

func NewRESTServer(
	logger *zap.Logger,
	authenticator *auth.Authenticator,
	persistenceEngine persistence.Engine,
	newCommentHandler handler.NewCommentHandlerInterface,
	updateCommentHandler handler.UpdateCommentHandlerInterface,
) *RESTServer {
	return &RESTServer{
		logger,
		authenticator,
		persistenceEngine,
		newCommentHandler,
		updateCommentHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	router.HandleFunc("/comments", s.withCORS(s.withAuthentication(s.listComments))).Methods("GET", "OPTIONS")
	router.HandleFunc("/comments", s.withCORS(s.withAuthentication(s.createComment))).Methods("POST")
	router.HandleFunc("/comments/{id}", s.withCORS(s.withAuthentication(s.updateComment))).Methods("PATCH", "OPTIONS")
}

func (s *RESTServer) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+projectIdHeader+", "+domainHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *RESTServer) withAuthentication(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authenticator.Authenticate(r.Context(), auth.TokenFromHeader(r))
		if err != nil {
			s.writeError(w, err)
			return
		}

		next(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	}
}

// listComments returns every comment of the project. The widget filters them
// by exact page match; a url query parameter narrows the result server side.
func (s *RESTServer) listComments(w http.ResponseWriter, r *http.Request) {
	projectId := r.Header.Get(projectIdHeader)
	if projectId == "" {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("missing "+projectIdHeader+" header")))
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	if !identity.IsAuthorized(projectId) {
		s.writeError(w, ierr.New(ierr.ErrorCodePermissionDenied, errors.New("not authorized for this project")))
		return
	}

	var comments []protocol.Comment
	var err error

	if pageUrl := r.URL.Query().Get("url"); pageUrl != "" {
		comments, err = s.persistenceEngine.ListCommentsForPage(r.Context(), projectId, pageUrl)
	} else {
		comments, err = s.persistenceEngine.ListCommentsForProject(r.Context(), projectId)
	}
	if err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeUnavailable, err))
		return
	}

	if domain := strings.ToLower(r.Header.Get(domainHeader)); domain != "" {
		comments = lo.Filter(comments, func(c protocol.Comment, _ int) bool {
			parsed, err := url.Parse(c.Url)
			return err == nil && strings.ToLower(parsed.Hostname()) == domain
		})
	}

	s.writeJSON(w, http.StatusOK, comments)
}

func (s *RESTServer) createComment(w http.ResponseWriter, r *http.Request) {
	var comment protocol.Comment
	if err := json.NewDecoder(r.Body).Decode(&comment); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	created, err := s.newCommentHandler.Handle(r.Context(), handler.CommentRequest{
		Scope:   protocol.Scope{ProjectId: r.Header.Get(projectIdHeader), Url: comment.Url},
		Comment: &comment,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, created)
}

func (s *RESTServer) updateComment(w http.ResponseWriter, r *http.Request) {
	var comment protocol.Comment
	if err := json.NewDecoder(r.Body).Decode(&comment); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	comment.Id = mux.Vars(r)["id"]

	updated, err := s.updateCommentHandler.Handle(r.Context(), handler.CommentRequest{
		Scope:   protocol.Scope{ProjectId: r.Header.Get(projectIdHeader), Url: comment.Url},
		Comment: &comment,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, updated)
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var handlerErr ierr.Error
	if !errors.As(err, &handlerErr) {
		handlerErr = ierr.New(ierr.ErrorCodeInternal, errors.New("internal error"))
	}

	status := handlerErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("failed to handle comments request", zap.Error(err))

		handlerErr = ierr.New(handlerErr.Code, errors.New(http.StatusText(status)))
	}

	s.writeJSON(w, status, handlerErr)
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

package handler

import (
	"errors"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/goevery/openpreview/internal/ierr"
	"github.com/goevery/openpreview/pkg/protocol"
)

const (
	maxUrlLength      = 2048
	maxContentLength  = 10000
	maxSelectorLength = 4096
)

type ScopeValidator struct {
	projectIdRegex *regexp.Regexp
}

func NewScopeValidator() *ScopeValidator {
	return &ScopeValidator{
		projectIdRegex: regexp.MustCompile(`^[\w.:-]{1,128}$`),
	}
}

func (v *ScopeValidator) Validate(scope protocol.Scope) error {
	if !v.projectIdRegex.MatchString(scope.ProjectId) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid projectId"))
	}

	if scope.Url == "" || len(scope.Url) > maxUrlLength {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid url"))
	}

	if _, err := url.Parse(scope.Url); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid url"))
	}

	return nil
}

// ValidateComment checks the payload shape of a comment carried in a
// mutation. A comment without a url inherits the scope's url.
func (v *ScopeValidator) ValidateComment(scope protocol.Scope, comment *protocol.Comment) error {
	if comment == nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("missing comment"))
	}

	if comment.Url == "" {
		comment.Url = scope.Url
	}
	if comment.Url != scope.Url {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("comment url does not match message url"))
	}

	if strings.TrimSpace(comment.Selector) == "" || len(comment.Selector) > maxSelectorLength {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid selector"))
	}

	if !isPercent(comment.XPercent) || !isPercent(comment.YPercent) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("x_percent and y_percent must be within [0,100]"))
	}

	if utf8.RuneCountInString(comment.Content) > maxContentLength {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("content too long"))
	}

	return nil
}

func isPercent(value float64) bool {
	return !math.IsNaN(value) && value >= 0 && value <= 100
}

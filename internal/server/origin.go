package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// OriginChecker admits WebSocket upgrades from the configured origins. An
// empty allow list admits every origin, since the widget is embedded in
// pages the service does not control.
type OriginChecker struct {
	allowedOrigins []string
}

func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin != "" {
			normalized = append(normalized, origin)
		}
	}

	return &OriginChecker{
		allowedOrigins: normalized,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	return slices.Contains(c.allowedOrigins, strings.ToLower(parsed.Scheme+"://"+parsed.Host))
}

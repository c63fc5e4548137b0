package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goevery/openpreview/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	jwt.RegisteredClaims
	Projects []string `json:"projects,omitempty"`
}

// Identity is the principal a bearer token resolved to.
type Identity struct {
	Subject  string
	Projects []string
	IsAdmin  bool
}

func (i *Identity) IsAuthorized(projectId string) bool {
	if i == nil || i.Subject == "" {
		return false
	}

	if i.IsAdmin {
		return true
	}

	return slices.Contains(i.Projects, projectId)
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok
}

type Authenticator struct {
	secret    []byte
	apiKeys   []string
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, audience string, apiKeys []string) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(audience),
	)

	return &Authenticator{
		secret:    []byte(secret),
		apiKeys:   apiKeys,
		jwtParser: jwtParser,
	}
}

// Authenticate is the single authorization decision shared by the WebSocket
// upgrade and the HTTP mutation path. API keys are tried first, then the
// token is verified as a JWT issued by the identity provider.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing bearer token"))
	}

	if identity, err := a.AuthenticateAPIKey(token); err == nil {
		return identity, nil
	}

	return a.AuthenticateJWT(token)
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

func (a *Authenticator) AuthenticateJWT(tokenString string) (*Identity, error) {
	claims := Claims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid subject claim"))
	}

	if len(claims.Projects) == 0 {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("projects claim cannot be empty"))
	}

	return &Identity{
		Subject:  subject,
		Projects: claims.Projects,
		IsAdmin:  false,
	}, nil
}

func (a *Authenticator) AuthenticateAPIKey(apiKey string) (*Identity, error) {
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return &Identity{
				Subject: "api",
				IsAdmin: true,
			}, nil
		}
	}

	return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid api key"))
}

// TokenFromQuery extracts the bearer credential a WebSocket client passes as
// a connection parameter.
func TokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get("token")
}

func TokenFromHeader(r *http.Request) string {
	header := r.Header.Get("Authorization")

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}

	return strings.TrimSpace(token)
}

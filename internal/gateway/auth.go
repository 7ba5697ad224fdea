package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/collabsync/internal/session"
)

const (
	ScopeRead  = "doc:read"
	ScopeWrite = "doc:write"
	ScopeAdmin = "admin"

	DefaultAudience = "collabsync"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// Grant is an authorizer's decision for one request.
type Grant struct {
	Subject    string
	Capability session.Capability
	Admin      bool
}

// Authorizer validates a capability token. documentID is empty for requests
// that are not scoped to a document; those only need a valid token.
// Rejections that should map to a specific HTTP status are returned as
// errors produced by this package; any other error is treated as 401.
type Authorizer interface {
	Authorize(token, documentID string) (Grant, error)
}

type documentClaims struct {
	jwt.RegisteredClaims
	Document string `json:"doc"`
	Scopes   any    `json:"scopes"`
}

// JWTAuthorizer accepts HS256 tokens carrying a doc claim (a document id or
// "*") and doc:read, doc:write or admin scopes.
type JWTAuthorizer struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewJWTAuthorizer(secret, audience string) *JWTAuthorizer {
	if secret == "" {
		secret = "dev-secret"
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &JWTAuthorizer{secret: []byte(secret), audience: audience, now: time.Now}
}

func (a *JWTAuthorizer) Authorize(token, documentID string) (Grant, error) {
	if token == "" {
		return Grant{}, unauthorized("missing or invalid bearer token")
	}
	var claims documentClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Grant{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Grant{}, unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Grant{}, unauthorized("jwt signature mismatch")
	default:
		return Grant{}, unauthorized("invalid token")
	}
	if claims.Subject == "" {
		return Grant{}, unauthorized("missing sub claim")
	}

	scopes := parseScopes(claims.Scopes)
	if len(scopes) == 0 {
		return Grant{}, forbidden("no scopes granted")
	}
	grant := Grant{Subject: claims.Subject}
	if _, ok := scopes[ScopeAdmin]; ok {
		grant.Admin = true
	}
	switch {
	case hasScope(scopes, ScopeWrite):
		grant.Capability = session.CapabilityWrite
	case hasScope(scopes, ScopeRead):
		grant.Capability = session.CapabilityRead
	}
	if documentID == "" {
		return grant, nil
	}

	if claims.Document != "*" && claims.Document != documentID {
		return Grant{}, forbidden("document mismatch")
	}
	if grant.Capability == 0 {
		return Grant{}, forbidden("missing required scope: " + ScopeRead)
	}
	return grant, nil
}

func hasScope(scopes map[string]struct{}, scope string) bool {
	_, ok := scopes[scope]
	return ok
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// tokenFromRequest reads the bearer header, falling back to the
// access_token query parameter browsers use for websocket upgrades.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func asAuthError(err error) *authError {
	var ae *authError
	if errors.As(err, &ae) {
		return ae
	}
	return unauthorized(err.Error())
}

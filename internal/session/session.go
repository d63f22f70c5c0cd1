// Package session carries the signed-in identity explicitly through the
// request path. Operations take a Session value instead of looking up a
// global current user.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"photoshare/internal/identity"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
)

// CookieName is the cookie holding the access token for browser GETs
// (the shell page and the gallery event stream).
const CookieName = "photoshare_token"

// Session is the identity an operation acts for.
type Session struct {
	UserID string
	Token  string
}

// Valid reports whether the session names a user.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.UserID) != ""
}

// Resolver maps an access token to its account.
type Resolver interface {
	CurrentUser(ctx context.Context, accessToken string) (domain.User, error)
}

// Provider resolves request credentials into sessions.
type Provider struct {
	resolver Resolver
}

// NewProvider builds a Provider backed by the identity resolver.
func NewProvider(resolver Resolver) *Provider {
	return &Provider{resolver: resolver}
}

// Resolve returns the session for token. A missing, invalid or revoked token
// is reported as ok == false with a nil error; only backend failures are
// returned as errors.
func (p *Provider) Resolve(ctx context.Context, token string) (Session, domain.User, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" || p == nil || p.resolver == nil {
		return Session{}, domain.User{}, false, nil
	}
	user, err := p.resolver.CurrentUser(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			return Session{}, domain.User{}, false, nil
		}
		return Session{}, domain.User{}, false, err
	}
	return Session{UserID: user.ID, Token: token}, user, true, nil
}

// Middleware attaches the resolved session, when there is one, to the
// request context. Requests without a session pass through unchanged.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, user, ok, err := p.Resolve(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("resolve session failed", "err", err)
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := NewContext(r.Context(), sess, user)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", user.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey struct{}

type contextValue struct {
	session Session
	user    domain.User
}

// NewContext returns ctx carrying the session and its user.
func NewContext(ctx context.Context, sess Session, user domain.User) context.Context {
	return context.WithValue(ctx, contextKey{}, contextValue{session: sess, user: user})
}

// FromContext returns the session stored by Middleware.
func FromContext(ctx context.Context) (Session, bool) {
	v, ok := ctx.Value(contextKey{}).(contextValue)
	if !ok || !v.session.Valid() {
		return Session{}, false
	}
	return v.session, true
}

// UserFromContext returns the account behind the session stored in ctx.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	v, ok := ctx.Value(contextKey{}).(contextValue)
	if !ok || !v.session.Valid() {
		return domain.User{}, false
	}
	return v.user, true
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest prefers the Authorization header. Safe methods also
// accept the session cookie so that page loads and EventSource streams,
// which cannot set headers, are authenticated.
func TokenFromRequest(r *http.Request) string {
	if token, ok := BearerToken(r); ok {
		return token
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ""
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

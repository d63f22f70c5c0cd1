package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"photoshare/internal/identity"
	"photoshare/pkg/domain"
)

type stubResolver struct {
	users map[string]domain.User
	err   error
	calls int
}

func (s *stubResolver) CurrentUser(_ context.Context, token string) (domain.User, error) {
	s.calls++
	if s.err != nil {
		return domain.User{}, s.err
	}
	user, ok := s.users[token]
	if !ok {
		return domain.User{}, identity.ErrUnauthenticated
	}
	return user, nil
}

func TestResolveTreatsMissingIdentityAsAbsent(t *testing.T) {
	resolver := &stubResolver{users: map[string]domain.User{"good": {ID: "u1"}}}
	p := NewProvider(resolver)
	ctx := context.Background()

	sess, user, ok, err := p.Resolve(ctx, "good")
	if err != nil || !ok {
		t.Fatalf("expected session, ok=%v err=%v", ok, err)
	}
	if sess.UserID != "u1" || sess.Token != "good" || user.ID != "u1" {
		t.Fatalf("unexpected session: %+v user=%+v", sess, user)
	}

	if _, _, ok, err := p.Resolve(ctx, "stale"); ok || err != nil {
		t.Fatalf("unknown token should be absent, ok=%v err=%v", ok, err)
	}
	calls := resolver.calls
	if _, _, ok, err := p.Resolve(ctx, "  "); ok || err != nil {
		t.Fatalf("blank token should be absent, ok=%v err=%v", ok, err)
	}
	if resolver.calls != calls {
		t.Fatalf("blank token must not reach the resolver")
	}
}

func TestResolveSurfacesBackendErrors(t *testing.T) {
	boom := errors.New("database down")
	p := NewProvider(&stubResolver{err: boom})
	if _, _, ok, err := p.Resolve(context.Background(), "any"); ok || !errors.Is(err, boom) {
		t.Fatalf("expected backend error, ok=%v err=%v", ok, err)
	}
}

func TestMiddlewareAttachesSession(t *testing.T) {
	p := NewProvider(&stubResolver{users: map[string]domain.User{"good": {ID: "u1", Email: "a@example.com"}}})
	var (
		gotSession Session
		gotOK      bool
		gotUser    domain.User
	)
	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession, gotOK = FromContext(r.Context())
		gotUser, _ = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/images", nil)
	req.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !gotOK || gotSession.UserID != "u1" || gotUser.Email != "a@example.com" {
		t.Fatalf("expected session in context, got %+v ok=%v user=%+v", gotSession, gotOK, gotUser)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotOK {
		t.Fatalf("anonymous request must not carry a session")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotOK {
		t.Fatalf("invalid token must not carry a session")
	}
}

func TestTokenFromRequestCookieOnlyForSafeMethods(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header string
		cookie string
		want   string
	}{
		{name: "header wins", method: http.MethodPost, header: "Bearer h", cookie: "c", want: "h"},
		{name: "cookie on get", method: http.MethodGet, cookie: "c", want: "c"},
		{name: "cookie ignored on post", method: http.MethodPost, cookie: "c", want: ""},
		{name: "cookie ignored on delete", method: http.MethodDelete, cookie: "c", want: ""},
		{name: "malformed header", method: http.MethodGet, header: "Token h", want: ""},
		{name: "empty bearer", method: http.MethodGet, header: "Bearer   ", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tc.cookie})
			}
			if got := TokenFromRequest(req); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"photoshare/internal/identity"
	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
	"photoshare/pkg/store"
)

const oidcStateCookie = "photoshare_oidc_state"

type authRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type authResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	ExpiresIn    int64       `json:"expiresIn"`
	User         domain.User `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

func newAuthResponse(user domain.User, tokens identity.Tokens) authResponse {
	return authResponse{
		Token:        tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
		User:         user,
	}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "auth.signup", "rate_limited")
		return
	}
	req, fromForm, ok := s.readAuthRequest(w, r, "auth.signup")
	if !ok {
		return
	}
	user, tokens, err := s.identity.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		s.audit(r, "auth.signup", "fail", "reason", err.Error())
		s.writeIdentityError(w, r, err)
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", user.ID)
	s.setSessionCookie(w, tokens)
	if fromForm {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusCreated, newAuthResponse(user, tokens))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	req, fromForm, ok := s.readAuthRequest(w, r, "auth.login")
	if !ok {
		return
	}
	user, tokens, err := s.identity.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		s.writeIdentityError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	s.setSessionCookie(w, tokens)
	if fromForm {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(user, tokens))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, "too many refresh attempts") {
		s.audit(r, "auth.refresh", "rate_limited")
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "auth.refresh", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := s.identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail", "reason", err.Error())
		s.writeIdentityError(w, r, err)
		return
	}
	s.audit(r, "auth.refresh", "success", "user_id", user.ID)
	s.setSessionCookie(w, tokens)
	writeJSON(w, http.StatusOK, newAuthResponse(user, tokens))
}

// handleLogout signs out the bearer token, or the session cookie when the
// shell's logout form posts without one.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, "too many logout attempts") {
		s.audit(r, "auth.logout", "rate_limited")
		return
	}
	fromForm := isFormPost(r)
	if fromForm && !sameSiteForm(r) {
		s.audit(r, "auth.logout", "fail", "reason", "cross_site_form")
		writeError(w, http.StatusForbidden, "cross-site form rejected")
		return
	}
	var req logoutRequest
	if !fromForm {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.audit(r, "auth.logout", "fail", "reason", "invalid_json")
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	token, ok := session.BearerToken(r)
	if !ok {
		if cookie, err := r.Cookie(session.CookieName); err == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}
	if token == "" {
		s.audit(r, "auth.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.identity.SignOut(r.Context(), token, req.RefreshToken); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		s.writeIdentityError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	s.clearSessionCookie(w)
	if fromForm {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jwksSource interface {
	JWKS() []store.JWK
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var keys []store.JWK
	if src, ok := s.identity.(jwksSource); ok {
		keys = src.JWKS()
	}
	if keys == nil {
		keys = []store.JWK{}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.oidc == nil {
		writeError(w, http.StatusNotFound, "sign-in with external provider is not configured")
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.oidc.login", "rate_limited")
		return
	}
	state := util.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Path:     "/api/auth/oidc",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oidc.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.oidc == nil {
		writeError(w, http.StatusNotFound, "sign-in with external provider is not configured")
		return
	}
	cookie, err := r.Cookie(oidcStateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || state == "" || cookie.Value != state {
		s.audit(r, "auth.oidc.callback", "fail", "reason", "state_mismatch")
		writeError(w, http.StatusUnauthorized, "external sign-in failed")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oidcStateCookie, Path: "/api/auth/oidc", MaxAge: -1})
	user, tokens, err := s.oidc.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.audit(r, "auth.oidc.callback", "fail", "reason", err.Error())
		writeError(w, http.StatusUnauthorized, "external sign-in failed")
		return
	}
	s.audit(r, "auth.oidc.callback", "success", "user_id", user.ID)
	s.setSessionCookie(w, tokens)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, tokens identity.Tokens) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    tokens.AccessToken,
		Path:     "/",
		MaxAge:   int(tokens.ExpiresIn),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func isFormPost(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/x-www-form-urlencoded")
}

// sameSiteForm rejects form posts a browser marks as coming from another
// site. Clients that send no Sec-Fetch-Site header are let through.
func sameSiteForm(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "", "same-origin", "none":
		return true
	default:
		return false
	}
}

// readAuthRequest decodes a JSON body, or the shell's sign-in and sign-up
// forms. It writes the error response itself and reports false on failure.
func (s *Server) readAuthRequest(w http.ResponseWriter, r *http.Request, event string) (authRequest, bool, bool) {
	var req authRequest
	if !isFormPost(r) {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			s.audit(r, event, "fail", "reason", "invalid_json")
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return req, false, false
		}
		return req, false, true
	}
	if !sameSiteForm(r) {
		s.audit(r, event, "fail", "reason", "cross_site_form")
		writeError(w, http.StatusForbidden, "cross-site form rejected")
		return req, true, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		s.audit(r, event, "fail", "reason", "invalid_form")
		writeError(w, http.StatusBadRequest, "invalid form data")
		return req, true, false
	}
	req.Email = r.PostForm.Get("email")
	req.Password = r.PostForm.Get("password")
	req.DisplayName = r.PostForm.Get("displayName")
	return req, true, true
}

// writeIdentityError maps identity errors onto responses. Disabled accounts
// and password-less accounts answer like bad credentials.
func (s *Server) writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrUserDisabled),
		errors.Is(err, identity.ErrPasswordNotSet):
		writeError(w, http.StatusUnauthorized, identity.ErrInvalidCredentials.Error())
	case errors.Is(err, identity.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, identity.ErrEmailAlreadyExists.Error())
	case errors.Is(err, identity.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrEmailAndPasswordRequired),
		errors.Is(err, identity.ErrEmailRequired),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrDisplayNameTooLong),
		errors.Is(err, identity.ErrRefreshTokenRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, identity.ErrInvalidRefreshToken.Error())
	case errors.Is(err, identity.ErrUnauthenticated), errors.Is(err, identity.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		util.LoggerFromContext(r.Context()).Error("identity request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

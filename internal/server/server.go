// Package server exposes photoshare over HTTP: a JSON API, the gallery
// event stream and the server-rendered shell.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"photoshare/internal/identity"
	"photoshare/internal/photos"
	"photoshare/internal/ratelimit"
	"photoshare/internal/security"
	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/storage"
)

const serviceName = "photoshare"

// Config wires required dependencies for the HTTP server.
type Config struct {
	Identity identity.Provider
	// OIDC enables external sign-in when set.
	OIDC     *identity.OIDC
	Sessions *session.Provider
	Photos   *photos.Service
	// Blobs is served under /blobs/ when the in-memory object store is used.
	Blobs *storage.MemoryStore

	// RedisClient backs the rate limiters and security alerts; without it
	// limits are per-process and alerting is off.
	RedisClient               *redis.Client
	SignupRateLimitPerMinute  int
	LoginRateLimitPerMinute   int
	RefreshRateLimitPerMinute int
	UploadRateLimitPerMinute  int

	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
	SecureCookies  bool
}

// Server exposes HTTP endpoints for photoshare.
type Server struct {
	identity       identity.Provider
	oidc           *identity.OIDC
	sessions       *session.Provider
	photos         *photos.Service
	blobs          *storage.MemoryStore
	alerter        *security.AuditAlerter
	mux            *http.ServeMux
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	secureCookies  bool
	signupLimiter  ratelimit.Limiter
	loginLimiter   ratelimit.Limiter
	refreshLimiter ratelimit.Limiter
	uploadLimiter  ratelimit.Limiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Identity == nil {
		return nil, errors.New("server: identity provider required")
	}
	if cfg.Photos == nil {
		return nil, errors.New("server: photo service required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewProvider(cfg.Identity)
	}
	newLimiter := func(name string, limit, fallback int) (ratelimit.Limiter, error) {
		if limit <= 0 {
			limit = fallback
		}
		if cfg.RedisClient == nil {
			limiter, err := ratelimit.NewMemoryFixedWindowLimiter(limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisClient, "photoshare:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", cfg.SignupRateLimitPerMinute, 5)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", cfg.LoginRateLimitPerMinute, 10)
	if err != nil {
		return nil, err
	}
	refreshLimiter, err := newLimiter("refresh", cfg.RefreshRateLimitPerMinute, 20)
	if err != nil {
		return nil, err
	}
	uploadLimiter, err := newLimiter("upload", cfg.UploadRateLimitPerMinute, 30)
	if err != nil {
		return nil, err
	}
	s := &Server{
		identity:       cfg.Identity,
		oidc:           cfg.OIDC,
		sessions:       cfg.Sessions,
		photos:         cfg.Photos,
		blobs:          cfg.Blobs,
		alerter:        security.NewAuditAlerter(cfg.RedisClient, "photoshare:alerts"),
		mux:            http.NewServeMux(),
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		secureCookies:  cfg.SecureCookies,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		refreshLimiter: refreshLimiter,
		uploadLimiter:  uploadLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = s.sessions.Middleware(h)
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(serviceName, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleShell)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/api/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("/api/auth/oidc/login", s.handleOIDCLogin)
	s.mux.HandleFunc("/api/auth/oidc/callback", s.handleOIDCCallback)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// images (auth required)
	s.mux.Handle("/api/images", s.authenticated(s.handleImages))
	s.mux.Handle("/api/images/stream", s.authenticated(s.handleImageStream))
	s.mux.Handle("/api/images/", s.authenticated(s.handleImageByID))

	if s.blobs != nil {
		s.mux.HandleFunc("/blobs/", s.handleBlob)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, session.Session)

func (s *Server) authenticated(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, sess)
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == identity.ErrInvalidCredentials.Error():
		return "AUTH_INVALID_CREDENTIALS"
	case message == identity.ErrEmailAlreadyExists.Error():
		return "AUTH_EMAIL_ALREADY_EXISTS"
	case message == identity.ErrInvalidRefreshToken.Error(), message == identity.ErrRefreshTokenRequired.Error():
		return "AUTH_INVALID_REFRESH_TOKEN"
	case strings.HasPrefix(message, identity.ErrWeakPassword.Error()):
		return "AUTH_WEAK_PASSWORD"
	case message == identity.ErrInvalidEmail.Error(), message == identity.ErrEmailRequired.Error(),
		message == identity.ErrEmailAndPasswordRequired.Error():
		return "AUTH_INVALID_REQUEST"
	case message == "sign-in with external provider is not configured":
		return "AUTH_OIDC_DISABLED"
	case message == "external sign-in failed":
		return "AUTH_OIDC_FAILED"
	case message == photos.ErrNotImage.Error():
		return "IMAGE_NOT_AN_IMAGE"
	case message == photos.ErrFilenameRequired.Error(), strings.Contains(message, "file is required"):
		return "IMAGE_FILE_REQUIRED"
	case message == photos.ErrEmptyFile.Error():
		return "IMAGE_FILE_EMPTY"
	case message == photos.ErrTooLarge.Error():
		return "IMAGE_FILE_TOO_LARGE"
	case message == "invalid form data":
		return "IMAGE_INVALID_UPLOAD_FORM"
	case message == photos.ErrImageNotFound.Error():
		return "IMAGE_NOT_FOUND"
	case message == "failed to upload image":
		return "IMAGE_UPLOAD_FAILED"
	case message == "failed to delete image":
		return "IMAGE_DELETE_FAILED"
	case message == "failed to load gallery":
		return "IMAGE_LIST_FAILED"
	case message == identity.ErrDisplayNameTooLong.Error():
		return "PROFILE_INVALID_DISPLAY_NAME"
	case message == "failed to update profile":
		return "PROFILE_UPDATE_FAILED"
	case message == "invalid json body":
		return "REQUEST_INVALID_JSON"
	}
	switch status {
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	// Alert once per window, on the event that reaches the threshold.
	if result.Triggered && result.Count == result.Threshold {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	key := r.URL.Path + "|" + s.clientIP(r)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"photoshare/internal/identity"
	"photoshare/internal/photos"
	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
)

type updateMeRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	Email       *string `json:"email,omitempty"`
	Password    string  `json:"password,omitempty"`
}

// profileErrorResponse is the error envelope of PATCH /api/users/me. Updated
// lists the changes that were applied before the failure.
type profileErrorResponse struct {
	errorResponse
	Updated []string `json:"updated"`
}

type updateMeResponse struct {
	User           *domain.User `json:"user,omitempty"`
	Updated        []string     `json:"updated"`
	Reauthenticate bool         `json:"reauthenticate"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess session.Session) {
	switch r.Method {
	case http.MethodGet:
		user, ok := session.UserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		s.handleUpdateMe(w, r, sess)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, sess session.Session) {
	var req updateMeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.photos.UpdateProfile(r.Context(), sess, photos.ProfileInput{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
	})
	if err != nil {
		s.audit(r, "profile.update", "fail", "user_id", sess.UserID, "applied", result.Applied, "reason", err.Error())
		writeProfileError(w, err, result.Applied)
		return
	}
	s.audit(r, "profile.update", "success", "user_id", sess.UserID, "applied", result.Applied)

	resp := updateMeResponse{Updated: result.Applied, Reauthenticate: result.Reauthenticate}
	if resp.Updated == nil {
		resp.Updated = []string{}
	}
	if result.Reauthenticate {
		// Every session of the user, this one included, was revoked.
		s.clearSessionCookie(w)
	} else if user, err := s.identity.CurrentUser(r.Context(), sess.Token); err == nil {
		resp.User = &user
	} else {
		util.LoggerFromContext(r.Context()).Warn("reload profile failed", "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeProfileError reports input problems specifically and every other
// failure as one generic outcome. Changes applied before the failure stay
// applied and are listed in the body.
func writeProfileError(w http.ResponseWriter, err error, applied []string) {
	status, msg := http.StatusInternalServerError, "failed to update profile"
	switch {
	case errors.Is(err, photos.ErrNoSession), errors.Is(err, identity.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, identity.ErrEmailAlreadyExists):
		status, msg = http.StatusConflict, identity.ErrEmailAlreadyExists.Error()
	case errors.Is(err, identity.ErrWeakPassword):
		status, msg = http.StatusBadRequest, weakPasswordMessage(err)
	case errors.Is(err, identity.ErrInvalidEmail):
		status, msg = http.StatusBadRequest, identity.ErrInvalidEmail.Error()
	case errors.Is(err, identity.ErrEmailRequired):
		status, msg = http.StatusBadRequest, identity.ErrEmailRequired.Error()
	case errors.Is(err, identity.ErrDisplayNameTooLong):
		status, msg = http.StatusBadRequest, identity.ErrDisplayNameTooLong.Error()
	}
	if applied == nil {
		applied = []string{}
	}
	writeJSON(w, status, profileErrorResponse{
		errorResponse: errorResponse{
			Error:     msg,
			Code:      errorCodeFor(status, msg),
			RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
		},
		Updated: applied,
	})
}

// weakPasswordMessage strips the profile wrapping so clients see the
// password policy message only.
func weakPasswordMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, identity.ErrWeakPassword.Error()); i >= 0 {
		return msg[i:]
	}
	return identity.ErrWeakPassword.Error()
}

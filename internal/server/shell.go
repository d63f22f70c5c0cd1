package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strings"

	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
)

//go:embed templates/shell.html
var shellFS embed.FS

var shellTemplate = template.Must(template.ParseFS(shellFS, "templates/shell.html"))

const shellCSP = "default-src 'none'; img-src * data:; style-src 'self' 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'; base-uri 'none'"

type shellView struct {
	SignedIn bool
	User     domain.User
	Name     string
	Images   []domain.Image
	OIDC     bool
}

// handleShell renders the landing page for visitors and the navigation bar
// with the gallery for signed-in users.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	view := shellView{OIDC: s.oidc != nil}
	if sess, ok := session.FromContext(r.Context()); ok {
		user, _ := session.UserFromContext(r.Context())
		view.SignedIn = true
		view.User = user
		view.Name = displayNameOf(user)
		snapshot, err := s.photos.Snapshot(r.Context(), sess)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("shell gallery failed", "err", err)
		}
		view.Images = snapshot.Images
	}

	var buf bytes.Buffer
	if err := shellTemplate.Execute(&buf, view); err != nil {
		util.LoggerFromContext(r.Context()).Error("render shell failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Security-Policy", shellCSP)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(buf.Bytes())
	}
}

func displayNameOf(user domain.User) string {
	if name := strings.TrimSpace(user.DisplayName); name != "" {
		return name
	}
	return user.Email
}

package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"photoshare/internal/photos"
	"photoshare/internal/session"
	"photoshare/internal/util"
)

const (
	multipartMemory  = 32 << 20
	multipartSlack   = 1 << 20
	streamKeepalive  = 25 * time.Second
	galleryEventName = "gallery"
)

// /api/images
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request, sess session.Session) {
	switch r.Method {
	case http.MethodGet:
		s.handleListImages(w, r, sess)
	case http.MethodPost:
		s.handleUploadImage(w, r, sess)
	default:
		methodNotAllowed(w)
	}
}

// /api/images/{id}
func (s *Server) handleImageByID(w http.ResponseWriter, r *http.Request, sess session.Session) {
	id := strings.TrimPrefix(r.URL.Path, "/api/images/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	img, err := s.photos.Delete(r.Context(), sess, id)
	if err != nil {
		if errors.Is(err, photos.ErrImageNotFound) {
			s.audit(r, "image.delete", "fail", "user_id", sess.UserID, "image_id", id, "reason", "not_found")
			writeError(w, http.StatusNotFound, photos.ErrImageNotFound.Error())
			return
		}
		s.audit(r, "image.delete", "fail", append([]any{"user_id", sess.UserID, "image_id", id}, stepAttrs(err)...)...)
		writeError(w, http.StatusInternalServerError, "failed to delete image")
		return
	}
	s.audit(r, "image.delete", "success", "user_id", sess.UserID, "image_id", img.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request, sess session.Session) {
	snapshot, err := s.photos.Snapshot(r.Context(), sess)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list images failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load gallery")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": snapshot.Images,
		"count": len(snapshot.Images),
	})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request, sess session.Session) {
	if !s.allowRate(w, r, s.uploadLimiter, "too many uploads") {
		s.audit(r, "image.upload", "rate_limited", "user_id", sess.UserID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.photos.MaxUploadBytes()+multipartSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, photos.ErrTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	img, err := s.photos.Upload(r.Context(), sess, photos.UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Size:        header.Size,
	})
	if err != nil {
		s.audit(r, "image.upload", "fail", append([]any{"user_id", sess.UserID, "filename", header.Filename}, stepAttrs(err)...)...)
		writeUploadError(w, err)
		return
	}
	s.audit(r, "image.upload", "success", "user_id", sess.UserID, "image_id", img.ID)
	writeJSON(w, http.StatusCreated, img)
}

func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, photos.ErrNotImage),
		errors.Is(err, photos.ErrFilenameRequired),
		errors.Is(err, photos.ErrEmptyFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, photos.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, photos.ErrTooLarge.Error())
	case errors.Is(err, photos.ErrNoSession):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		writeError(w, http.StatusInternalServerError, "failed to upload image")
	}
}

// stepAttrs names the failed step and the steps whose effects remain.
func stepAttrs(err error) []any {
	var stepErr *photos.StepError
	if !errors.As(err, &stepErr) {
		return []any{"reason", err.Error()}
	}
	return []any{
		"reason", stepErr.Err.Error(),
		"failed_step", stepErr.Step,
		"kept_steps", stepErr.Completed,
	}
}

// handleImageStream sends the gallery as server-sent events: one "gallery"
// event per snapshot, the first right after connecting.
func (s *Server) handleImageStream(w http.ResponseWriter, r *http.Request, sess session.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	snapshots, err := s.photos.Watch(ctx, sess)
	if err != nil {
		util.LoggerFromContext(ctx).Error("watch gallery failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load gallery")
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			if err := sse.Encode(w, sse.Event{Event: galleryEventName, Data: snapshot}); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// handleBlob serves objects of the in-memory store at /blobs/{key}.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/blobs/")
	data, contentType, ok := s.blobs.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

package photos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"photoshare/internal/session"
	"photoshare/internal/util"
	"photoshare/pkg/domain"
)

const sniffLen = 512

// UploadInput is one file picked by the user.
type UploadInput struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Upload validates the file, then stores the bytes, resolves their URL and
// records the metadata, in that order. Validation failures return before any
// external call. A failed step returns a *StepError; nothing already written
// is rolled back.
func (s *Service) Upload(ctx context.Context, sess session.Session, in UploadInput) (domain.Image, error) {
	if !sess.Valid() {
		return domain.Image{}, ErrNoSession
	}
	filename := baseName(in.Filename)
	if filename == "" {
		return domain.Image{}, ErrFilenameRequired
	}
	declared := mediaType(in.ContentType)
	if !strings.HasPrefix(declared, "image/") {
		return domain.Image{}, ErrNotImage
	}
	if in.Body == nil || in.Size == 0 {
		return domain.Image{}, ErrEmptyFile
	}
	if in.Size > s.maxUpload {
		return domain.Image{}, ErrTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(in.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return domain.Image{}, fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return domain.Image{}, ErrEmptyFile
	}
	head = head[:n]
	contentType, err := sniffImageType(head, declared)
	if err != nil {
		return domain.Image{}, err
	}
	body := io.MultiReader(bytes.NewReader(head), in.Body)

	key := blobKey(sess.UserID, s.now().UnixMilli(), filename)
	var (
		url     string
		created domain.Image
	)
	upload := saga{op: "upload", steps: []sagaStep{
		{name: StepStoreBlob, run: func(ctx context.Context) error {
			return s.objects.Put(ctx, key, body, in.Size, contentType)
		}},
		{name: StepResolveURL, run: func(ctx context.Context) error {
			resolved, err := s.objects.URL(ctx, key)
			url = resolved
			return err
		}},
		{name: StepRecordMetadata, run: func(ctx context.Context) error {
			img, err := s.images.CreateImage(ctx, domain.Image{
				OwnerID:     sess.UserID,
				URL:         url,
				Filename:    filename,
				StorageKey:  key,
				ContentType: contentType,
				SizeBytes:   in.Size,
			})
			created = img
			return err
		}},
	}}
	if err := upload.run(ctx); err != nil {
		return domain.Image{}, err
	}
	s.notify(ctx, sess.UserID)
	return created, nil
}

func (s *Service) notify(ctx context.Context, ownerID string) {
	if err := s.feed.Publish(ctx, ownerID); err != nil {
		util.LoggerFromContext(ctx).Warn("publish gallery change failed", "owner_id", ownerID, "err", err)
	}
}

// sniffImageType cross-checks the declared type against the leading bytes.
// Content the sniffer cannot classify keeps the declared image type; any
// positively identified non-image is rejected. SVG is never accepted: it can
// carry script and is served from the gallery's own origin by the blob route.
func sniffImageType(head []byte, declared string) (string, error) {
	if declared == "image/svg+xml" {
		return "", ErrNotImage
	}
	sniffed := mediaType(http.DetectContentType(head))
	switch {
	case strings.HasPrefix(sniffed, "image/"):
		return sniffed, nil
	case sniffed == "application/octet-stream":
		return declared, nil
	default:
		return "", ErrNotImage
	}
}

func mediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(contentType)
	}
	return mt
}

// baseName strips any client-side directory, using either separator.
func baseName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// blobKey builds images/{owner}/{millis}_{filename}.
func blobKey(ownerID string, millis int64, filename string) string {
	name := sanitizeFilename(filename)
	if name == "" {
		name = "image"
	}
	return path.Join("images", ownerID, strconv.FormatInt(millis, 10)+"_"+name)
}

// legacyBlobKey is the path of records written without a storage key.
func legacyBlobKey(ownerID, filename string) string {
	return path.Join("images", ownerID, filename)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

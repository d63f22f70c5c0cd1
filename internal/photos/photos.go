// Package photos implements the image workflow of photoshare: upload,
// delete, the live gallery and profile updates. Every operation acts for an
// explicit session.Session.
package photos

import (
	"errors"
	"time"

	"photoshare/internal/changefeed"
	"photoshare/pkg/storage"
	"photoshare/pkg/store"
)

// DefaultMaxUploadBytes caps uploads when Config.MaxUploadBytes is unset.
const DefaultMaxUploadBytes int64 = 10 << 20

var (
	ErrNoSession        = errors.New("no signed-in user")
	ErrNotImage         = errors.New("only image files are allowed")
	ErrFilenameRequired = errors.New("filename required")
	ErrEmptyFile        = errors.New("file is empty")
	ErrTooLarge         = errors.New("file too large")
	ErrImageNotFound    = errors.New("image not found")
	ErrProfileUpdate    = errors.New("profile update failed")
)

// Config wires the service to its collaborators.
type Config struct {
	Objects        storage.ObjectStore
	Images         store.ImageStore
	Feed           changefeed.Feed
	Accounts       AccountService
	MaxUploadBytes int64
}

// Service runs the photo operations.
type Service struct {
	objects   storage.ObjectStore
	images    store.ImageStore
	feed      changefeed.Feed
	accounts  AccountService
	maxUpload int64
	now       func() time.Time
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Objects == nil {
		return nil, errors.New("photos: object store required")
	}
	if cfg.Images == nil {
		return nil, errors.New("photos: image store required")
	}
	if cfg.Feed == nil {
		return nil, errors.New("photos: change feed required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("photos: account service required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Service{
		objects:   cfg.Objects,
		images:    cfg.Images,
		feed:      cfg.Feed,
		accounts:  cfg.Accounts,
		maxUpload: cfg.MaxUploadBytes,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// MaxUploadBytes reports the largest accepted upload.
func (s *Service) MaxUploadBytes() int64 {
	return s.maxUpload
}

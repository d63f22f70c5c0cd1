package store

import (
	"context"
	"errors"
	"time"

	"photoshare/pkg/domain"
)

// ImageStore persists image metadata records. Implementations assign the
// record ID and creation time.
type ImageStore interface {
	CreateImage(ctx context.Context, img domain.Image) (domain.Image, error)
	GetImage(ctx context.Context, id string) (domain.Image, bool, error)
	ListImagesByOwner(ctx context.Context, ownerID string) ([]domain.Image, error)
	DeleteImage(ctx context.Context, id string) error
}

// ErrEmailTaken is returned by SaveUser when another account already holds
// the email.
var ErrEmailTaken = errors.New("email taken by another account")

// UserStore persists local accounts. Emails are unique, compared without
// regard to case.
type UserStore interface {
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// Store is the combined persistence surface of the service.
type Store interface {
	ImageStore
	UserStore
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (string, error)
	GetUserIDByToken(ctx context.Context, token string) (string, bool, error)
	DeleteSession(ctx context.Context, token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}

// Package identity is the account side of photoshare: sign-up, sign-in,
// token issuance and the per-field profile updates.
package identity

import (
	"context"

	"photoshare/pkg/domain"
)

// Tokens is the credential pair handed to a signed-in client.
type Tokens struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Provider is the identity provider used by the HTTP surface and by the
// profile update operation.
type Provider interface {
	SignUp(ctx context.Context, email, password, displayName string) (domain.User, Tokens, error)
	SignIn(ctx context.Context, email, password string) (domain.User, Tokens, error)
	SignOut(ctx context.Context, accessToken, refreshToken string) error
	Refresh(ctx context.Context, refreshToken string) (domain.User, Tokens, error)
	// CurrentUser resolves an access token. It returns ErrUnauthenticated for
	// missing, invalid or revoked tokens.
	CurrentUser(ctx context.Context, accessToken string) (domain.User, error)

	UpdateDisplayName(ctx context.Context, userID, displayName string) error
	UpdateEmail(ctx context.Context, userID, email string) error
	UpdatePassword(ctx context.Context, userID, password string) error
}

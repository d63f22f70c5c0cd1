package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"photoshare/internal/util"
	"photoshare/pkg/auth"
	"photoshare/pkg/domain"
	"photoshare/pkg/store"
)

// MaxDisplayNameLength bounds display names in runes.
const MaxDisplayNameLength = 100

// LocalConfig wires a Local provider to its stores.
type LocalConfig struct {
	Users         store.UserStore
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Local is the built-in identity provider: accounts live in the user
// store, access tokens are RS256 JWTs and refresh tokens rotate in families.
type Local struct {
	users         store.UserStore
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

var _ Provider = (*Local)(nil)

// NewLocal constructs the provider.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Users == nil {
		return nil, errors.New("identity: user store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("identity: session store required")
	}
	if cfg.RefreshTokens == nil {
		return nil, errors.New("identity: refresh token store required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Local{
		users:         cfg.Users,
		sessions:      cfg.Sessions,
		refreshTokens: cfg.RefreshTokens,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SignUp registers a new account and signs it in.
func (l *Local) SignUp(ctx context.Context, email, password, displayName string) (domain.User, Tokens, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, Tokens{}, ErrEmailAndPasswordRequired
	}
	if err := validateEmail(email); err != nil {
		return domain.User{}, Tokens{}, err
	}
	displayName, err := normalizeDisplayName(displayName)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}
	exists, err := l.users.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, Tokens{}, ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	user, err := l.createUser(ctx, email, displayName, passwordHash)
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	return l.issueUserTokens(ctx, user)
}

// SignIn validates credentials and issues a token pair.
func (l *Local) SignIn(ctx context.Context, email, password string) (domain.User, Tokens, error) {
	email = normalizeEmail(email)
	user, ok, err := l.users.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, Tokens{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, Tokens{}, ErrUserDisabled
	}
	if !hasPassword(user.PasswordHash) {
		return domain.User{}, Tokens{}, ErrPasswordNotSet
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, Tokens{}, ErrInvalidCredentials
	}
	return l.issueUserTokens(ctx, user)
}

// SignInFederated signs in the account owning a verified external email,
// creating a password-less account on first use.
func (l *Local) SignInFederated(ctx context.Context, email, displayName string) (domain.User, Tokens, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return domain.User{}, Tokens{}, err
	}
	user, ok, err := l.users.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if ok {
		if user.Status == domain.StatusDisabled {
			return domain.User{}, Tokens{}, ErrUserDisabled
		}
		return l.issueUserTokens(ctx, user)
	}
	displayName, err = normalizeDisplayName(displayName)
	if err != nil {
		displayName = ""
	}
	user, err = l.createUser(ctx, email, displayName, "")
	if errors.Is(err, ErrEmailAlreadyExists) {
		// Lost a race with a concurrent first sign-in for the same email.
		return l.SignInFederated(ctx, email, displayName)
	}
	if err != nil {
		return domain.User{}, Tokens{}, err
	}
	return l.issueUserTokens(ctx, user)
}

// SignOut invalidates the access token and the refresh token family.
func (l *Local) SignOut(ctx context.Context, accessToken, refreshToken string) error {
	if strings.TrimSpace(accessToken) != "" {
		if err := l.sessions.DeleteSession(ctx, accessToken); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	if err := l.refreshTokens.Revoke(ctx, refreshToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Refresh rotates the refresh token and issues a new token pair.
func (l *Local) Refresh(ctx context.Context, refreshToken string) (domain.User, Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return domain.User{}, Tokens{}, ErrRefreshTokenRequired
	}
	userID, newRefreshToken, err := l.refreshTokens.Rotate(ctx, refreshToken, l.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return domain.User{}, Tokens{}, ErrInvalidRefreshToken
		}
		return domain.User{}, Tokens{}, fmt.Errorf("resolve refresh token: %w", err)
	}
	user, found, err := l.users.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		_ = l.refreshTokens.Revoke(ctx, newRefreshToken)
		return domain.User{}, Tokens{}, ErrInvalidRefreshToken
	}
	accessToken, err := l.sessions.NewSession(ctx, user.ID)
	if err != nil {
		_ = l.refreshTokens.Revoke(ctx, newRefreshToken)
		return domain.User{}, Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	return user, l.tokens(accessToken, newRefreshToken), nil
}

// CurrentUser resolves the account behind an access token.
func (l *Local) CurrentUser(ctx context.Context, accessToken string) (domain.User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return domain.User{}, ErrUnauthenticated
	}
	uid, ok, err := l.sessions.GetUserIDByToken(ctx, accessToken)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthenticated
	}
	user, found, err := l.users.GetUserByID(ctx, uid)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		return domain.User{}, ErrUnauthenticated
	}
	return user, nil
}

// UpdateDisplayName sets the account's display name. An empty name clears it.
func (l *Local) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	displayName, err := normalizeDisplayName(displayName)
	if err != nil {
		return err
	}
	user, err := l.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	user.DisplayName = displayName
	user.UpdatedAt = l.now()
	if err := l.users.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

// UpdateEmail changes the sign-in email of the account.
func (l *Local) UpdateEmail(ctx context.Context, userID, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	if err := validateEmail(email); err != nil {
		return err
	}
	user, err := l.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	if email == user.Email {
		return nil
	}
	existing, ok, err := l.users.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if ok && existing.ID != user.ID {
		return ErrEmailAlreadyExists
	}
	user.Email = email
	user.UpdatedAt = l.now()
	if err := l.users.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return ErrEmailAlreadyExists
		}
		return fmt.Errorf("update email: %w", err)
	}
	return nil
}

// UpdatePassword replaces the password and revokes every session and
// refresh token issued before the change.
func (l *Local) UpdatePassword(ctx context.Context, userID, password string) error {
	if err := auth.ValidatePassword(password); err != nil {
		return fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}
	user, err := l.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	revokeSince := l.now().Truncate(time.Millisecond)
	user.PasswordHash = passwordHash
	user.UpdatedAt = revokeSince
	if err := l.users.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := l.revokeAllUserTokens(ctx, userID, revokeSince); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// JWKS returns public signing keys when the session store publishes them.
func (l *Local) JWKS() []store.JWK {
	provider, ok := l.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (l *Local) activeUser(ctx context.Context, userID string) (domain.User, error) {
	user, ok, err := l.users.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, ErrUserDisabled
	}
	return user, nil
}

func (l *Local) issueUserTokens(ctx context.Context, user domain.User) (domain.User, Tokens, error) {
	accessToken, err := l.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := l.refreshTokens.Issue(ctx, user.ID, l.refreshTTL)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return user, l.tokens(accessToken, refreshToken), nil
}

func (l *Local) tokens(accessToken, refreshToken string) Tokens {
	return Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(l.accessTTL / time.Second),
	}
}

func (l *Local) revokeAllUserTokens(ctx context.Context, userID string, since time.Time) error {
	sessionRevoker, ok := l.sessions.(store.UserSessionRevoker)
	if !ok {
		return errors.New("session store does not support user token revocation")
	}
	if err := sessionRevoker.RevokeUserSessions(ctx, userID, since); err != nil {
		return err
	}
	return l.refreshTokens.RevokeUser(ctx, userID)
}

func (l *Local) createUser(ctx context.Context, email, displayName, passwordHash string) (domain.User, error) {
	now := l.now()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.users.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

func normalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > MaxDisplayNameLength {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}

func hasPassword(passwordHash string) bool {
	return strings.TrimSpace(passwordHash) != ""
}

package photos

import (
	"context"
	"fmt"
	"strings"

	"photoshare/internal/session"
	"photoshare/pkg/domain"
)

// Profile fields reported in ProfileResult.Applied.
const (
	FieldDisplayName = "displayName"
	FieldEmail       = "email"
	FieldPassword    = "password"
)

// AccountService is the part of the identity provider used by profile
// updates.
type AccountService interface {
	CurrentUser(ctx context.Context, accessToken string) (domain.User, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
	UpdateEmail(ctx context.Context, userID, email string) error
	UpdatePassword(ctx context.Context, userID, password string) error
}

// ProfileInput holds candidate values. A nil field is left as is; an empty
// Password keeps the current one.
type ProfileInput struct {
	DisplayName *string
	Email       *string
	Password    string
}

// ProfileResult lists the fields that were updated, in call order.
type ProfileResult struct {
	Applied        []string
	Reauthenticate bool
}

// UpdateProfile calls the identity provider once per changed field:
// display name, then email, then password. It stops at the first failure
// without undoing earlier updates and reports one ErrProfileUpdate.
func (s *Service) UpdateProfile(ctx context.Context, sess session.Session, in ProfileInput) (ProfileResult, error) {
	var result ProfileResult
	if !sess.Valid() {
		return result, ErrNoSession
	}
	current, err := s.accounts.CurrentUser(ctx, sess.Token)
	if err != nil {
		return result, fmt.Errorf("%w: load current user: %w", ErrProfileUpdate, err)
	}
	if current.ID != sess.UserID {
		return result, ErrNoSession
	}

	type update struct {
		field string
		apply func() error
	}
	var updates []update
	if in.DisplayName != nil && strings.TrimSpace(*in.DisplayName) != current.DisplayName {
		name := *in.DisplayName
		updates = append(updates, update{FieldDisplayName, func() error {
			return s.accounts.UpdateDisplayName(ctx, current.ID, name)
		}})
	}
	if in.Email != nil && !strings.EqualFold(strings.TrimSpace(*in.Email), current.Email) {
		email := *in.Email
		updates = append(updates, update{FieldEmail, func() error {
			return s.accounts.UpdateEmail(ctx, current.ID, email)
		}})
	}
	if in.Password != "" {
		password := in.Password
		updates = append(updates, update{FieldPassword, func() error {
			return s.accounts.UpdatePassword(ctx, current.ID, password)
		}})
	}

	for _, u := range updates {
		if err := u.apply(); err != nil {
			return result, fmt.Errorf("%w: %s: %w", ErrProfileUpdate, u.field, err)
		}
		result.Applied = append(result.Applied, u.field)
		if u.field == FieldPassword {
			result.Reauthenticate = true
		}
	}
	return result, nil
}

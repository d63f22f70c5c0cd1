package photos

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"photoshare/pkg/domain"
)

type stubAccounts struct {
	user  domain.User
	calls []string
	fail  map[string]error
}

func (s *stubAccounts) CurrentUser(_ context.Context, accessToken string) (domain.User, error) {
	if accessToken != "token-"+s.user.ID {
		return domain.User{}, errors.New("unauthenticated")
	}
	return s.user, nil
}

func (s *stubAccounts) UpdateDisplayName(_ context.Context, userID, displayName string) error {
	return s.record(FieldDisplayName + "=" + displayName)
}

func (s *stubAccounts) UpdateEmail(_ context.Context, userID, email string) error {
	return s.record(FieldEmail + "=" + email)
}

func (s *stubAccounts) UpdatePassword(_ context.Context, userID, password string) error {
	return s.record(FieldPassword)
}

func (s *stubAccounts) record(call string) error {
	s.calls = append(s.calls, call)
	for field, err := range s.fail {
		if strings.HasPrefix(call, field) {
			return err
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }

func TestUpdateProfileCallsOnlyChangedFields(t *testing.T) {
	current := domain.User{ID: "u1", Email: "ada@example.com", DisplayName: "Ada"}
	cases := []struct {
		name      string
		in        ProfileInput
		wantCalls []string
	}{
		{name: "nothing given", in: ProfileInput{}, wantCalls: nil},
		{name: "same values", in: ProfileInput{DisplayName: strPtr("Ada"), Email: strPtr("ada@example.com")}, wantCalls: nil},
		{name: "email case only", in: ProfileInput{Email: strPtr("ADA@example.com")}, wantCalls: nil},
		{name: "display name", in: ProfileInput{DisplayName: strPtr("Ada L."), Email: strPtr("ada@example.com")}, wantCalls: []string{"displayName=Ada L."}},
		{name: "email", in: ProfileInput{Email: strPtr("lovelace@example.com")}, wantCalls: []string{"email=lovelace@example.com"}},
		{name: "password only", in: ProfileInput{Password: "N3w!Passw0rd-2"}, wantCalls: []string{"password"}},
		{name: "all three in order", in: ProfileInput{
			DisplayName: strPtr("Countess"),
			Email:       strPtr("countess@example.com"),
			Password:    "N3w!Passw0rd-2",
		}, wantCalls: []string{"displayName=Countess", "email=countess@example.com", "password"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.accounts.user = current
			result, err := f.svc.UpdateProfile(context.Background(), sessionFor("u1"), tc.in)
			if err != nil {
				t.Fatalf("update profile: %v", err)
			}
			if !reflect.DeepEqual(f.accounts.calls, tc.wantCalls) {
				t.Fatalf("unexpected calls: got %v want %v", f.accounts.calls, tc.wantCalls)
			}
			if len(result.Applied) != len(tc.wantCalls) {
				t.Fatalf("unexpected applied fields: %v", result.Applied)
			}
			if result.Reauthenticate != (tc.in.Password != "") {
				t.Fatalf("unexpected reauthenticate flag: %v", result.Reauthenticate)
			}
		})
	}
}

func TestUpdateProfilePartialFailureIsNotRolledBack(t *testing.T) {
	f := newFixture(t)
	f.accounts.user = domain.User{ID: "u1", Email: "ada@example.com", DisplayName: "Ada"}
	boom := errors.New("email already in use")
	f.accounts.fail = map[string]error{FieldEmail: boom}

	result, err := f.svc.UpdateProfile(context.Background(), sessionFor("u1"), ProfileInput{
		DisplayName: strPtr("Countess"),
		Email:       strPtr("bob@example.com"),
		Password:    "N3w!Passw0rd-2",
	})
	if !errors.Is(err, ErrProfileUpdate) || !errors.Is(err, boom) {
		t.Fatalf("expected aggregate failure wrapping the cause, got %v", err)
	}
	if !reflect.DeepEqual(result.Applied, []string{FieldDisplayName}) {
		t.Fatalf("expected display name to stay applied, got %v", result.Applied)
	}
	if want := []string{"displayName=Countess", "email=bob@example.com"}; !reflect.DeepEqual(f.accounts.calls, want) {
		t.Fatalf("password must not be attempted after a failure, calls=%v", f.accounts.calls)
	}
}

func TestUpdateProfileRequiresResolvableSession(t *testing.T) {
	f := newFixture(t)
	f.accounts.user = domain.User{ID: "u1"}

	if _, err := f.svc.UpdateProfile(context.Background(), sessionFor(""), ProfileInput{Password: "x"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := f.svc.UpdateProfile(context.Background(), sessionFor("u2"), ProfileInput{Password: "x"}); !errors.Is(err, ErrProfileUpdate) {
		t.Fatalf("expected ErrProfileUpdate for unresolvable token, got %v", err)
	}
	if len(f.accounts.calls) != 0 {
		t.Fatalf("expected no update calls, got %v", f.accounts.calls)
	}
}

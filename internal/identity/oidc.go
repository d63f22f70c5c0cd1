package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"photoshare/pkg/domain"
)

// OIDCConfig describes an external OpenID Connect issuer.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OIDC signs users in through an external issuer using the authorization
// code flow. The verified email is mapped onto a local account, which then
// receives ordinary local tokens.
type OIDC struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	local    *Local
}

// NewOIDC discovers the issuer configuration.
func NewOIDC(ctx context.Context, cfg OIDCConfig, local *Local) (*OIDC, error) {
	if local == nil {
		return nil, errors.New("identity: local provider required for oidc")
	}
	provider, err := oidc.NewProvider(ctx, strings.TrimRight(cfg.IssuerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	return &OIDC{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		local:    local,
	}, nil
}

// AuthCodeURL returns the issuer URL the browser is redirected to.
func (o *OIDC) AuthCodeURL(state string) string {
	return o.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for local tokens.
func (o *OIDC) Exchange(ctx context.Context, code string) (domain.User, Tokens, error) {
	if strings.TrimSpace(code) == "" {
		return domain.User{}, Tokens{}, ErrInvalidCredentials
	}
	token, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("exchange code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return domain.User{}, Tokens{}, errors.New("oidc token response has no id_token")
	}
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("verify id token: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return domain.User{}, Tokens{}, fmt.Errorf("parse id token claims: %w", err)
	}
	if claims.Email == "" || !claims.EmailVerified {
		return domain.User{}, Tokens{}, ErrEmailNotVerified
	}
	return o.local.SignInFederated(ctx, claims.Email, claims.Name)
}

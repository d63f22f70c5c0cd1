package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	ctx := context.Background()
	signing := newRSStoreWithOptions(t, "aud-signing", nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a", Leeway: time.Second})
	verify := newRSStoreWithOptions(t, "aud-verify", nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b", Leeway: time.Second})

	token, err := signing.NewSession(ctx, "user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(ctx, token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	ctx := context.Background()
	revoker := NewMemoryTokenRevoker()
	s := newRSStoreWithOptions(t, "revoke-jti", revoker, JWTOptions{})

	token, err := s.NewSession(ctx, "user-revoke")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(ctx, token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(ctx, token); err == nil || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	ctx := context.Background()
	revoker := NewMemoryTokenRevoker()
	s := newRSStoreWithOptions(t, "revoke-user", revoker, JWTOptions{})

	token, err := s.NewSession(ctx, "user-cutoff")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	other, err := s.NewSession(ctx, "someone-else")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions(ctx, "user-cutoff", time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(ctx, token); err == nil || ok {
		t.Fatalf("expected user-revoked token to fail, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetUserIDByToken(ctx, other); err != nil || !ok {
		t.Fatalf("expected other user's token to stay valid, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreAcceptsTokensIssuedAfterCutoff(t *testing.T) {
	ctx := context.Background()
	revoker := NewMemoryTokenRevoker()
	s := newRSStoreWithOptions(t, "after-cutoff", revoker, JWTOptions{})

	if err := revoker.RevokeUser(ctx, "user-late", time.Now().UTC().Add(-2*time.Second)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	token, err := s.NewSession(ctx, "user-late")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if userID, ok, err := s.GetUserIDByToken(ctx, token); err != nil || !ok || userID != "user-late" {
		t.Fatalf("expected fresh token to verify, user=%q ok=%v err=%v", userID, ok, err)
	}
}

func TestJWTSessionStoreCutoffUsesMillisecondIssueTime(t *testing.T) {
	ctx := context.Background()
	revoker := NewMemoryTokenRevoker()
	s := newRSStoreWithOptions(t, "cutoff-ms", revoker, JWTOptions{})

	if err := s.RevokeUserSessions(ctx, "user-same-second", time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	token, err := s.NewSession(ctx, "user-same-second")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(ctx, token); err != nil || !ok {
		t.Fatalf("expected token issued after cutoff to verify, ok=%v err=%v", ok, err)
	}
}

func TestJWTSessionStoreCutoffComparesWholeMilliseconds(t *testing.T) {
	ctx := context.Background()
	revoker := NewMemoryTokenRevoker()
	s := newRSStoreWithOptions(t, "cutoff-same-ms", revoker, JWTOptions{})
	base := time.Now().UTC().Truncate(time.Millisecond)
	at := func(d time.Duration) { s.now = func() time.Time { return base.Add(d) } }

	at(200 * time.Microsecond)
	before, err := s.NewSession(ctx, "user-ms")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions(ctx, "user-ms", base.Add(500*time.Microsecond)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	at(900 * time.Microsecond)
	sameMillisecond, err := s.NewSession(ctx, "user-ms")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	at(time.Millisecond)
	after, err := s.NewSession(ctx, "user-ms")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	for name, token := range map[string]string{"before": before, "same millisecond": sameMillisecond} {
		if _, ok, err := s.GetUserIDByToken(ctx, token); err == nil || ok {
			t.Fatalf("expected %s token to be revoked, ok=%v err=%v", name, ok, err)
		}
	}
	if _, ok, err := s.GetUserIDByToken(ctx, after); err != nil || !ok {
		t.Fatalf("expected token from the next millisecond to verify, ok=%v err=%v", ok, err)
	}
	if got, _ := revoker.RevokedAfter(ctx, "user-ms"); !got.Equal(base) {
		t.Fatalf("expected cutoff stored at %v, got %v", base, got)
	}
}

func TestJWTRS256SessionStoreNewSessionAndJWKS(t *testing.T) {
	ctx := context.Background()
	privatePath, publicPath := writeRSAKeyPairFiles(t, "active")
	s, err := NewJWTRS256SessionStoreFromPEM(privatePath, publicPath, "kid-active", nil, time.Minute, NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("new rs256 store: %v", err)
	}

	token, err := s.NewSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(ctx, token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q", ok, userID)
	}

	keys := s.JWKS()
	if len(keys) != 1 {
		t.Fatalf("expected 1 jwk, got %d", len(keys))
	}
	if keys[0].Kid != "kid-active" || keys[0].Kty != "RSA" || keys[0].Use != "sig" || keys[0].Alg != "RS256" {
		t.Fatalf("unexpected jwk fields: %+v", keys[0])
	}
	if keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("expected RSA modulus/exponent in jwks")
	}
}

func TestJWTRS256SessionStoreVerifiesPreviousKeyDuringRotation(t *testing.T) {
	ctx := context.Background()
	oldPrivatePath, oldPublicPath := writeRSAKeyPairFiles(t, "old")
	newPrivatePath, newPublicPath := writeRSAKeyPairFiles(t, "new")

	oldStore, err := NewJWTRS256SessionStoreFromPEM(oldPrivatePath, oldPublicPath, "kid-old", nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("new old store: %v", err)
	}
	oldToken, err := oldStore.NewSession(ctx, "user-2")
	if err != nil {
		t.Fatalf("old token: %v", err)
	}

	rotated, err := NewJWTRS256SessionStoreFromPEM(newPrivatePath, newPublicPath, "kid-new", map[string]string{"kid-old": oldPublicPath}, time.Minute, nil)
	if err != nil {
		t.Fatalf("new rotated store: %v", err)
	}
	userID, ok, err := rotated.GetUserIDByToken(ctx, oldToken)
	if err != nil || !ok || userID != "user-2" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q err=%v", ok, userID, err)
	}
	if keys := rotated.JWKS(); len(keys) != 2 {
		t.Fatalf("expected 2 jwks entries, got %d", len(keys))
	}

	unrotated, err := NewJWTRS256SessionStoreFromPEM(newPrivatePath, newPublicPath, "kid-new", nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("new unrotated store: %v", err)
	}
	if _, _, err := unrotated.GetUserIDByToken(ctx, oldToken); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestEphemeralJWTSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewEphemeralJWTSessionStore(time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new ephemeral store: %v", err)
	}
	if s.TTL() != time.Minute {
		t.Fatalf("unexpected ttl: %v", s.TTL())
	}
	token, err := s.NewSession(ctx, "user-eph")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if userID, ok, err := s.GetUserIDByToken(ctx, token); err != nil || !ok || userID != "user-eph" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q err=%v", ok, userID, err)
	}

	other, err := NewEphemeralJWTSessionStore(time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new ephemeral store: %v", err)
	}
	if _, _, err := other.GetUserIDByToken(ctx, token); err == nil {
		t.Fatalf("expected token signed by another process key to fail")
	}
}

func TestJWTSessionStoreRejectsMalformedClaims(t *testing.T) {
	ctx := context.Background()
	privatePath, publicPath := writeRSAKeyPairFiles(t, "malformed")
	s, err := NewJWTRS256SessionStoreFromPEM(privatePath, publicPath, "", nil, time.Minute, nil)
	if err != nil {
		t.Fatalf("new rs256 store: %v", err)
	}
	privateKey, err := loadRSAPrivateKeyFromPEMFile(privatePath)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}

	now := time.Now().UTC()
	base := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "user-malformed",
			Issuer:    defaultJWTIssuer,
			Audience:  jwt.ClaimStrings{defaultJWTAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        "jti-malformed",
		}
	}
	cases := []struct {
		name   string
		kid    string
		mutate func(*jwt.RegisteredClaims)
	}{
		{name: "missing kid", kid: "", mutate: func(*jwt.RegisteredClaims) {}},
		{name: "missing jti", kid: defaultJWTKeyID, mutate: func(c *jwt.RegisteredClaims) { c.ID = "" }},
		{name: "future iat", kid: defaultJWTKeyID, mutate: func(c *jwt.RegisteredClaims) {
			c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute))
		}},
		{name: "wrong issuer", kid: defaultJWTKeyID, mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" }},
		{name: "expired", kid: defaultJWTKeyID, mutate: func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-5 * time.Minute))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := base()
			tc.mutate(&claims)
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(privateKey)
			if err != nil {
				t.Fatalf("sign token: %v", err)
			}
			if _, _, err := s.GetUserIDByToken(ctx, signed); err == nil {
				t.Fatalf("expected %s token to fail", tc.name)
			}
		})
	}
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}

func newRSStoreWithOptions(t *testing.T, prefix string, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	privatePath, publicPath := writeRSAKeyPairFiles(t, prefix)
	s, err := NewJWTRS256SessionStoreFromPEMWithOptions(privatePath, publicPath, "", nil, time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new rs store: %v", err)
	}
	return s
}

package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates token not found or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates a superseded token was presented again.
	// The whole family is revoked when this is returned.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore keeps refresh tokens in families. Each sign-in starts a
// family; rotating hands out the family's next token and retires the
// presented one. Presenting a retired token revokes the family.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, error)
	Rotate(ctx context.Context, token string, ttl time.Duration) (userID, next string, err error)
	Revoke(ctx context.Context, token string) error
	RevokeUser(ctx context.Context, userID string) error
}

type memoryFamily struct {
	userID  string
	current string
	expiry  time.Time
	hashes  []string
}

// MemoryRefreshTokenStore keeps refresh token families in memory (single
// instance only).
type MemoryRefreshTokenStore struct {
	mu       sync.Mutex
	now      func() time.Time
	families map[string]*memoryFamily
	tokens   map[string]string // token hash -> family ID
	byUser   map[string]map[string]struct{}
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		now:      time.Now,
		families: make(map[string]*memoryFamily),
		tokens:   make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Issue starts a new family for the user and returns its first token.
func (s *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token, hash, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := randomToken(16)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[familyID] = &memoryFamily{
		userID:  userID,
		current: hash,
		expiry:  s.now().Add(ttl),
		hashes:  []string{hash},
	}
	s.tokens[hash] = familyID
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]struct{})
	}
	s.byUser[userID][familyID] = struct{}{}
	return token, nil
}

// Rotate exchanges the family's current token for its next one.
func (s *MemoryRefreshTokenStore) Rotate(ctx context.Context, token string, ttl time.Duration) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	hash := hashRefreshToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	familyID, ok := s.tokens[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	fam := s.families[familyID]
	if fam == nil || s.now().After(fam.expiry) {
		s.dropFamilyLocked(familyID)
		return "", "", ErrInvalidRefreshToken
	}
	if fam.current != hash {
		s.dropFamilyLocked(familyID)
		return "", "", ErrRefreshTokenReplay
	}

	next, nextHash, err := newRefreshToken()
	if err != nil {
		return "", "", err
	}
	fam.current = nextHash
	fam.expiry = s.now().Add(ttl)
	fam.hashes = append(fam.hashes, nextHash)
	s.tokens[nextHash] = familyID
	return fam.userID, next, nil
}

// Revoke drops the family the token belongs to. Unknown tokens are ignored.
func (s *MemoryRefreshTokenStore) Revoke(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if familyID, ok := s.tokens[hashRefreshToken(token)]; ok {
		s.dropFamilyLocked(familyID)
	}
	return nil
}

// RevokeUser drops every family of the user.
func (s *MemoryRefreshTokenStore) RevokeUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for familyID := range s.byUser[userID] {
		s.dropFamilyLocked(familyID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) dropFamilyLocked(familyID string) {
	fam := s.families[familyID]
	if fam == nil {
		return
	}
	for _, h := range fam.hashes {
		delete(s.tokens, h)
	}
	delete(s.families, familyID)
	if ids := s.byUser[fam.userID]; ids != nil {
		delete(ids, familyID)
		if len(ids) == 0 {
			delete(s.byUser, fam.userID)
		}
	}
}

// rotateScript swaps the current token of a family atomically.
//
// KEYS[1] family hash, KEYS[2] next token key.
// ARGV: presented hash, next hash, ttl ms, family ID, user set key prefix.
var rotateScript = redis.NewScript(`
local fam = redis.call("HMGET", KEYS[1], "uid", "cur")
if not fam[1] or not fam[2] then
  return {"invalid"}
end
local userKey = ARGV[5] .. fam[1]
if fam[2] ~= ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", userKey, ARGV[4])
  return {"replay"}
end
redis.call("HSET", KEYS[1], "cur", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("SET", KEYS[2], ARGV[4], "PX", ARGV[3])
redis.call("SADD", userKey, ARGV[4])
redis.call("PEXPIRE", userKey, ARGV[3])
return {"ok", fam[1]}
`)

// RedisRefreshTokenStore keeps refresh token families in Redis so rotation
// and replay detection hold across instances.
//
// Keys under prefix:
//
//	t:{hash}   family ID of every token ever handed out, until its TTL
//	f:{family} hash {uid, cur}; deleting it revokes the family
//	u:{user}   set of the user's family IDs
type RedisRefreshTokenStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRefreshTokenStore builds a Redis-backed store on a shared client.
func NewRedisRefreshTokenStore(client *redis.Client, prefix string) *RedisRefreshTokenStore {
	if prefix == "" {
		prefix = "photoshare:refresh"
	}
	return &RedisRefreshTokenStore{client: client, prefix: prefix}
}

func (s *RedisRefreshTokenStore) tokenKey(hash string) string { return s.prefix + ":t:" + hash }
func (s *RedisRefreshTokenStore) familyKey(id string) string  { return s.prefix + ":f:" + id }
func (s *RedisRefreshTokenStore) userPrefix() string          { return s.prefix + ":u:" }

// Issue starts a new family for the user and returns its first token.
func (s *RedisRefreshTokenStore) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token, hash, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	familyID, err := randomToken(16)
	if err != nil {
		return "", err
	}
	userKey := s.userPrefix() + userID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.familyKey(familyID), "uid", userID, "cur", hash)
	pipe.PExpire(ctx, s.familyKey(familyID), ttl)
	pipe.Set(ctx, s.tokenKey(hash), familyID, ttl)
	pipe.SAdd(ctx, userKey, familyID)
	pipe.PExpire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("issue refresh token: %w", err)
	}
	return token, nil
}

// Rotate exchanges the family's current token for its next one.
func (s *RedisRefreshTokenStore) Rotate(ctx context.Context, token string, ttl time.Duration) (string, string, error) {
	hash := hashRefreshToken(token)
	familyID, err := s.client.Get(ctx, s.tokenKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrInvalidRefreshToken
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup refresh token: %w", err)
	}
	next, nextHash, err := newRefreshToken()
	if err != nil {
		return "", "", err
	}
	res, err := rotateScript.Run(ctx, s.client,
		[]string{s.familyKey(familyID), s.tokenKey(nextHash)},
		hash, nextHash, ttl.Milliseconds(), familyID, s.userPrefix(),
	).StringSlice()
	if err != nil {
		return "", "", fmt.Errorf("rotate refresh token: %w", err)
	}
	switch {
	case len(res) == 2 && res[0] == "ok":
		return res[1], next, nil
	case len(res) == 1 && res[0] == "replay":
		return "", "", ErrRefreshTokenReplay
	default:
		return "", "", ErrInvalidRefreshToken
	}
}

// Revoke drops the family the token belongs to. Unknown tokens are ignored.
func (s *RedisRefreshTokenStore) Revoke(ctx context.Context, token string) error {
	familyID, err := s.client.Get(ctx, s.tokenKey(hashRefreshToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup refresh token: %w", err)
	}
	userID, err := s.client.HGet(ctx, s.familyKey(familyID), "uid").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup refresh family: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.familyKey(familyID))
	if userID != "" {
		pipe.SRem(ctx, s.userPrefix()+userID, familyID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke refresh family: %w", err)
	}
	return nil
}

// RevokeUser drops every family of the user.
func (s *RedisRefreshTokenStore) RevokeUser(ctx context.Context, userID string) error {
	userKey := s.userPrefix() + userID
	familyIDs, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list refresh families: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range familyIDs {
		pipe.Del(ctx, s.familyKey(id))
	}
	pipe.Del(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke refresh families: %w", err)
	}
	return nil
}

// newRefreshToken returns an opaque token and the hash it is stored under.
func newRefreshToken() (token, hash string, err error) {
	token, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	return token, hashRefreshToken(token), nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

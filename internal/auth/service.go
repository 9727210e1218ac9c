package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"companionchat/internal/logger"
	"companionchat/internal/redis"
	"companionchat/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "companionchat"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

var log = logger.Component("auth")

// Service issues, validates, and revokes user authentication tokens.
// Tokens are HS256 JWTs whose jti must still be recorded in the token store.
type Service struct {
	tokens         storage.TokenStore
	cache          *redis.Client
	secret         []byte
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service. cache may be nil. An empty secret is
// replaced by a random one, so tokens do not survive a restart.
func NewService(tokens storage.TokenStore, cache *redis.Client, secret string, ttl time.Duration) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("token store required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := []byte(secret)
	if secret == "" {
		random, err := generateToken()
		if err != nil {
			return nil, err
		}
		key = []byte(random)
		log.Warn("no JWT secret configured, using an ephemeral one")
	}
	return &Service{
		tokens:         tokens,
		cache:          cache,
		secret:         key,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}, nil
}

// Claims are the registered JWT claims; Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
}

func tokenCacheKey(jti string) string {
	return fmt.Sprintf("auth:token:%s", jti)
}

func userTokensKey(userID int64) string {
	return fmt.Sprintf("auth:user:%d:tokens", userID)
}

// IssueToken mints a signed token for the user and records its id.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	jti := uuid.NewString()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        jti,
		Issuer:    issuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.tokens.SaveToken(ctx, jti, userID, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("save token: %w", err)
	}
	s.cacheToken(ctx, jti, userID, expiresAt)
	return signed, expiresAt, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies signature, expiry and revocation state, returning the
// user id and token id.
func (s *Service) ValidateToken(ctx context.Context, raw string) (int64, string, error) {
	if raw == "" {
		return 0, "", ErrTokenRequired
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		if claims.ID != "" {
			s.forget(ctx, claims.ID)
		}
		return 0, "", ErrTokenExpired
	}
	if err != nil {
		return 0, "", ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.ID == "" {
		return 0, "", ErrInvalidToken
	}

	if cached, ok := s.cachedUser(ctx, claims.ID); ok {
		if cached != userID {
			return 0, "", ErrInvalidToken
		}
		return userID, claims.ID, nil
	}
	owner, expires, err := s.tokens.LookupToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, "", ErrInvalidToken
	}
	if err != nil {
		return 0, "", fmt.Errorf("lookup token: %w", err)
	}
	if owner != userID {
		return 0, "", ErrInvalidToken
	}
	if time.Now().UTC().After(expires) {
		s.forget(ctx, claims.ID)
		return 0, "", ErrTokenExpired
	}
	s.cacheToken(ctx, claims.ID, userID, expires)
	return userID, claims.ID, nil
}

// RevokeToken deletes a single token by id.
func (s *Service) RevokeToken(ctx context.Context, jti string) error {
	if jti == "" {
		return nil
	}
	if err := s.tokens.DeleteToken(ctx, jti); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache.Enabled() {
		if err := s.cache.Del(ctx, tokenCacheKey(jti)); err != nil {
			log.WithError(err).Warn("evict token cache")
		}
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	if err := s.tokens.DeleteUserTokens(ctx, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	if !s.cache.Enabled() {
		return nil
	}
	jtis, err := s.cache.SMembers(ctx, userTokensKey(userID))
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("list cached tokens")
		return nil
	}
	keys := make([]string, 0, len(jtis)+1)
	for _, jti := range jtis {
		keys = append(keys, tokenCacheKey(jti))
	}
	keys = append(keys, userTokensKey(userID))
	if err := s.cache.Del(ctx, keys...); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("evict cached tokens")
	}
	return nil
}

func (s *Service) cacheToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) {
	if !s.cache.Enabled() {
		return
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	if err := s.cache.SAdd(ctx, userTokensKey(userID), s.tokenTTL, jti); err != nil {
		log.WithError(err).Warn("index cached token")
		return
	}
	if err := s.cache.Set(ctx, tokenCacheKey(jti), userID, ttl); err != nil {
		log.WithError(err).Warn("cache token")
	}
}

func (s *Service) cachedUser(ctx context.Context, jti string) (int64, bool) {
	if !s.cache.Enabled() {
		return 0, false
	}
	val, err := s.cache.Get(ctx, tokenCacheKey(jti))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.WithError(err).Warn("read token cache")
		}
		return 0, false
	}
	userID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return userID, true
}

func (s *Service) forget(ctx context.Context, jti string) {
	_ = s.tokens.DeleteToken(ctx, jti)
	if s.cache.Enabled() {
		_ = s.cache.Del(ctx, tokenCacheKey(jti))
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"companionchat/internal/config"
	"companionchat/internal/models"
	"companionchat/internal/redis"
	"companionchat/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestAuthIssueValidateRevoke(t *testing.T) {
	store := openTestStore(t)
	userID := insertUser(t, store, "alice")

	svc := newTestService(t, store, nil, time.Hour)
	token, expires, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" || time.Until(expires) <= 0 {
		t.Fatalf("expected token with future expiry, got %q %v", token, expires)
	}
	gotID, jti, err := svc.ValidateToken(context.Background(), token)
	if err != nil || gotID != userID || jti == "" {
		t.Fatalf("ValidateToken failed: id=%d jti=%q err=%v", gotID, jti, err)
	}
	if err := svc.RevokeToken(context.Background(), jti); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, _, err := svc.ValidateToken(context.Background(), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, _, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), userID); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthRejectsForeignTokens(t *testing.T) {
	store := openTestStore(t)
	userID := insertUser(t, store, "bob")
	svc := newTestService(t, store, nil, time.Hour)
	other := newTestService(t, store, nil, time.Hour)
	other.secret = []byte("a different secret")

	token, _, err := other.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if _, _, err := svc.ValidateToken(context.Background(), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for bad signature, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "1",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, _, err := svc.ValidateToken(context.Background(), unsigned); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
	if _, _, err := svc.ValidateToken(context.Background(), ""); err != ErrTokenRequired {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	store := openTestStore(t)
	userID := insertUser(t, store, "carol")

	svc := newTestService(t, store, nil, time.Second)
	token, _, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	_, jti, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, _, err := svc.ValidateToken(context.Background(), token); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, _, err := store.LookupToken(context.Background(), jti); err != storage.ErrNotFound {
		t.Fatalf("expired token not purged: %v", err)
	}
}

func TestMiddlewareAndCSRF(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := openTestStore(t)
	userID := insertUser(t, store, "dave")
	svc := newTestService(t, store, nil, time.Hour)
	token, _, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	router := gin.New()
	protected := router.Group("/", svc.Middleware(), svc.CSRFMiddleware())
	protected.POST("/whoami", func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		jti, _ := TokenIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "jti": jti})
	})

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie without csrf", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
		}, http.StatusForbidden},
		{"cookie with csrf", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
			r.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "abc"})
			r.Header.Set(svc.CSRFHeaderName(), "abc")
		}, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/whoami", nil)
		tc.setup(req)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		if tc.status == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"kind":"Unauthenticated"`) {
			t.Fatalf("%s: missing kind in %s", tc.name, rec.Body.String())
		}
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	store := openTestStore(t)
	userID := insertUser(t, store, "erin")

	cacheClient := newRedisCacheClient(t)
	svc := newTestService(t, store, cacheClient, time.Hour)
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	_, jti, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	got, err := cacheClient.Get(ctx, tokenCacheKey(jti))
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != strconv.FormatInt(userID, 10) {
		t.Fatalf("expected user %d in cache, got %s", userID, got)
	}

	if err := svc.RevokeUserTokens(ctx, userID); err != nil {
		t.Fatalf("RevokeUserTokens: %v", err)
	}
	if _, err := cacheClient.Get(ctx, tokenCacheKey(jti)); err != redis.ErrCacheMiss {
		t.Fatalf("expected cache entry evicted, got %v", err)
	}
	if _, _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and cache eviction")
	}
}

func openTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewSQLStore(db)
}

func insertUser(t *testing.T, store storage.CredentialStore, name string) int64 {
	t.Helper()
	user := &models.User{Email: name + "@example.com", Username: name, PasswordHash: "x", Credits: 10}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return user.ID
}

func newTestService(t *testing.T, store storage.TokenStore, cache *redis.Client, ttl time.Duration) *Service {
	t.Helper()
	svc, err := NewService(store, cache, "test-secret", ttl)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func newRedisCacheClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	client, err := redis.NewRedisClient(config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

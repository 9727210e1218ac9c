package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"companionchat/internal/auth"
	"companionchat/internal/logger"
	"companionchat/internal/models"
	"companionchat/internal/service/account"
	"companionchat/internal/service/broker"
	"companionchat/internal/storage"
	"companionchat/internal/worker"

	"github.com/gin-gonic/gin"
)

var log = logger.Component("api")

// ChatSender queues paid chat turns and cancels a user's pending ones.
type ChatSender interface {
	Send(ctx context.Context, req worker.SendRequest) (*broker.ReplyResult, error)
	CancelUser(userID int64, reason string) int
}

// CostEstimator previews the price of a message.
type CostEstimator interface {
	EstimateCost(ctx context.Context, userID int64, text string) (*broker.Estimate, error)
	Provider() models.ProviderKind
}

// Options carries the HTTP-level settings.
type Options struct {
	// AdminKey enables the credit top-up route when non-empty.
	AdminKey string
	// ExposeErrors adds raw error detail to failure responses.
	ExposeErrors bool

	SendTimeout time.Duration
}

// Handler wires HTTP routes to the account, auth and chat services.
type Handler struct {
	accounts      *account.Service
	auth          *auth.Service
	chats         ChatSender
	estimator     CostEstimator
	conversations storage.ConversationStore
	adminKey      string
	exposeErrors  bool
	sendTimeout   time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, authService *auth.Service, chats ChatSender, estimator CostEstimator, conversations storage.ConversationStore, opts Options) *Handler {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Minute
	}
	return &Handler{
		accounts:      accounts,
		auth:          authService,
		chats:         chats,
		estimator:     estimator,
		conversations: conversations,
		adminKey:      opts.AdminKey,
		exposeErrors:  opts.ExposeErrors,
		sendTimeout:   opts.SendTimeout,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)

	protected := api.Group("")
	protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.GET("/auth/me", h.me)
	protected.POST("/auth/logout", h.logout)

	protected.POST("/chat/send", h.sendMessage)
	protected.POST("/chat/estimate", h.estimate)
	protected.GET("/chat/history", h.history)
	protected.GET("/chat/stats/tokens", h.tokenStats)
	protected.GET("/chat/:chatId", h.getChat)
	protected.DELETE("/chat/:chatId", h.deleteChat)

	protected.GET("/user/profile", h.profile)
	protected.PUT("/user/profile", h.updateProfile)
	protected.PUT("/user/password", h.changePassword)
	protected.GET("/user/stats", h.userStats)
	protected.DELETE("/user/account", h.deactivate)

	if h.adminKey != "" {
		admin := api.Group("/admin", h.requireAdmin())
		admin.POST("/users/:id/credits", h.grantCredits)
	}
}

func (h *Handler) health(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"status":   "ok",
		"provider": h.estimator.Provider(),
		"time":     time.Now().UTC(),
	})
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "admin key required"})
			return
		}
		c.Next()
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueSession(c, http.StatusCreated, user)
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	login := req.Login
	if login == "" {
		login = req.Email
	}
	user, err := h.accounts.Login(c.Request.Context(), login, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.issueSession(c, http.StatusOK, user)
}

func (h *Handler) issueSession(c *gin.Context, status int, user *models.User) {
	token, expiresAt, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.setAuthCookies(c, token, csrfToken)
	respondOK(c, status, gin.H{
		"user":      user,
		"token":     token,
		"expiresAt": expiresAt,
	})
}

func (h *Handler) me(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.accounts.Profile(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"user": user})
}

func (h *Handler) logout(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.chats.CancelUser(userID, "logout")
	if jti, ok := auth.TokenIDFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), jti); err != nil {
			h.respondError(c, err)
			return
		}
	}
	h.clearAuthCookies(c)
	respondMessage(c, "logged out")
}

func (h *Handler) profile(c *gin.Context) {
	h.me(c)
}

func (h *Handler) updateProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	user, err := h.accounts.UpdateProfile(c.Request.Context(), userID, req.Email, req.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"user": user})
}

func (h *Handler) changePassword(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	if err := h.accounts.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		h.respondError(c, err)
		return
	}
	respondMessage(c, "password updated")
}

func (h *Handler) userStats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	stats, err := h.accounts.Stats(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, stats)
}

func (h *Handler) deactivate(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.accounts.Deactivate(c.Request.Context(), userID); err != nil {
		h.respondError(c, err)
		return
	}
	h.clearAuthCookies(c)
	respondMessage(c, "account deactivated")
}

func (h *Handler) grantCredits(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		h.badRequest(c, "invalid user id")
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	balance, err := h.accounts.GrantCredits(c.Request.Context(), userID, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"userId": userID, "tokens": balance})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

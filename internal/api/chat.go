package api

import (
	"context"
	"net/http"
	"strconv"

	"companionchat/internal/worker"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type sendRequest struct {
	Content string `json:"content"`
	Style   string `json:"style"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.sendTimeout)
	defer cancel()
	reply, err := h.chats.Send(ctx, worker.SendRequest{
		Context:   ctx,
		UserID:    userID,
		Content:   req.Content,
		StyleHint: req.Style,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, reply)
}

func (h *Handler) estimate(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	est, err := h.estimator.EstimateCost(c.Request.Context(), userID, req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"estimatedTokens": est.EstimatedTokens,
		"fixedCost":       est.FixedCost,
		"totalCost":       est.TotalCost,
		"tokensAvailable": est.TokensAvailable,
		"sufficient":      est.Sufficient,
		"provider":        h.estimator.Provider(),
	})
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func (h *Handler) history(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	chats, total, err := h.conversations.ListConversations(c.Request.Context(), userID, page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	pages := (total + limit - 1) / limit
	respondOK(c, http.StatusOK, gin.H{
		"chats": chats,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": pages,
		},
	})
}

func (h *Handler) chatID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, "invalid chat id")
		return 0, false
	}
	return id, true
}

func (h *Handler) getChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}
	chat, err := h.conversations.GetConversation(c.Request.Context(), userID, chatID)
	if err != nil {
		h.respondError(c, notFound(err, "chat not found"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"chat": chat})
}

func (h *Handler) deleteChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}
	if err := h.conversations.DeactivateConversation(c.Request.Context(), userID, chatID); err != nil {
		h.respondError(c, notFound(err, "chat not found"))
		return
	}
	respondMessage(c, "chat deleted")
}

func (h *Handler) tokenStats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	stats, err := h.accounts.Stats(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"tokens":        stats.Credits,
		"totalChats":    stats.TotalChats,
		"totalMessages": stats.TotalMessages,
	})
}

package api

import (
	"context"
	"errors"
	"net/http"

	"companionchat/internal/apperr"
	"companionchat/internal/storage"
	"companionchat/internal/worker"

	"github.com/gin-gonic/gin"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:          http.StatusBadRequest,
	apperr.KindNotFound:            http.StatusNotFound,
	apperr.KindInsufficientCredit:  http.StatusPaymentRequired,
	apperr.KindContentRejected:     http.StatusOK,
	apperr.KindUpstreamUnavailable: http.StatusBadGateway,
	apperr.KindInternal:            http.StatusInternalServerError,
	apperr.KindUnauthenticated:     http.StatusUnauthorized,
	apperr.KindConflict:            http.StatusConflict,
	apperr.KindBusy:                http.StatusTooManyRequests,
}

func respondOK(c *gin.Context, status int, data interface{}) {
	body := gin.H{"success": true}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

func respondMessage(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// classify lifts worker errors into the app taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return apperr.Wrap(apperr.KindBusy, "server is busy, please retry", err)
	case errors.Is(err, worker.ErrManagerClosed):
		return apperr.Wrap(apperr.KindBusy, "server is shutting down", err)
	case errors.Is(err, worker.ErrJobCancelled):
		return apperr.Wrap(apperr.KindConflict, "request was cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "the reply took too long; it may still have been saved, check your history before retrying", err)
	}
	return err
}

func (h *Handler) respondError(c *gin.Context, err error) {
	err = classify(err)
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := gin.H{
		"success": false,
		"error":   apperr.Message(err),
		"kind":    kind,
	}
	var priced *apperr.PricedFailure
	if errors.As(err, &priced) {
		body["data"] = priced
	}
	if h.exposeErrors {
		body["detail"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	h.respondError(c, apperr.Validation(msg))
}

func notFound(err error, msg string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(msg)
	}
	return err
}

package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
)

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, entities.ErrSessionExpired), errors.Is(err, entities.ErrQRExpired):
		return http.StatusGone
	case errors.Is(err, entities.ErrTwoFactorRequired):
		return http.StatusPreconditionRequired
	case infrastructure.IsBreakerOpen(err):
		return http.StatusServiceUnavailable
	}

	var domainErr *entities.Error
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}
	switch domainErr.Kind {
	case entities.KindValidation:
		return http.StatusBadRequest
	case entities.KindNotFound:
		return http.StatusNotFound
	case entities.KindProtocol, entities.KindConflict:
		return http.StatusConflict
	case entities.KindAdmission:
		return http.StatusTooManyRequests
	case entities.KindAuthorization:
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

// respondError writes {"error", "kind", "message"}. Unclassified errors are
// logged and reported without detail.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Str("tenant_id", c.GetString(ctxTenantID)).Msg("request failed")
		c.AbortWithStatusJSON(status, gin.H{"error": "internal_error", "kind": entities.KindInfra, "message": "internal error"})
		return
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   entities.CodeOf(err),
		"kind":    entities.KindOf(err),
		"message": err.Error(),
	})
}

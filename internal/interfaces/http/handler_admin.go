package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"tgsession/internal/entities"
	"tgsession/internal/usecases"
)

// AdminHandler exposes the control plane over every tenant's credential.
type AdminHandler struct {
	admin *usecases.AdminUsecase
}

func NewAdminHandler(admin *usecases.AdminUsecase) *AdminHandler {
	return &AdminHandler{admin: admin}
}

func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	tg := admin.Group("/telegram")
	{
		tg.GET("/stats", h.GetStats)
		tg.GET("/credentials", h.ListCredentials)
		tg.POST("/credentials/:tenant_id/suspend", h.Suspend)
		tg.POST("/credentials/:tenant_id/reactivate", h.Reactivate)
		tg.PUT("/credentials/:tenant_id/limits", h.UpdateLimits)
		tg.POST("/credentials/:tenant_id/disconnect", h.ForceDisconnect)
	}
}

// GetStats returns credential counts by status plus pool and limiter figures.
func (h *AdminHandler) GetStats(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListCredentials supports ?status=&kind=&verified=&limit=&offset=.
func (h *AdminHandler) ListCredentials(c *gin.Context) {
	verified, err := queryBool(c, "verified")
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondError(c, err)
		return
	}

	filter := entities.CredentialFilter{
		Status:   entities.CredentialStatus(c.Query("status")),
		Kind:     entities.CredentialKind(c.Query("kind")),
		Verified: verified,
	}
	page, err := h.admin.ListAll(c.Request.Context(), filter, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *AdminHandler) Suspend(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	reason := TruncateString(SanitizeString(req.Reason), MaxReasonLength)
	cred, err := h.admin.Suspend(c.Request.Context(), c.Param("tenant_id"), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (h *AdminHandler) Reactivate(c *gin.Context) {
	cred, err := h.admin.Reactivate(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

// UpdateLimits changes the tenant's Telegram admission limits.
func (h *AdminHandler) UpdateLimits(c *gin.Context) {
	var req struct {
		RateLimitRPS          *float64 `json:"rate_limit_rps"`
		MaxConcurrentRequests *int     `json:"max_concurrent_requests"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.RateLimitRPS == nil || req.MaxConcurrentRequests == nil {
		respondError(c, fmt.Errorf("rate_limit_rps and max_concurrent_requests are required: %w", entities.ErrValidation))
		return
	}

	cred, err := h.admin.UpdateRateLimits(c.Request.Context(), c.Param("tenant_id"), *req.RateLimitRPS, *req.MaxConcurrentRequests)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":               cred.TenantID,
		"rate_limit_rps":          cred.RateLimitRPS,
		"max_concurrent_requests": cred.MaxConcurrentRequests,
	})
}

func (h *AdminHandler) ForceDisconnect(c *gin.Context) {
	if err := h.admin.ForceDisconnect(c.Request.Context(), c.Param("tenant_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/mo"
	"github.com/skip2/go-qrcode"

	"tgsession/internal/entities"
	"tgsession/internal/usecases"
)

// TelegramHandler serves the tenant's own credential, connection and channel endpoints.
type TelegramHandler struct {
	verification *usecases.VerificationUsecase
	qr           *usecases.QRLoginUsecase
	pool         *usecases.ConnectionManager
	channels     *usecases.ChannelUsecase
}

func NewTelegramHandler(verification *usecases.VerificationUsecase, qr *usecases.QRLoginUsecase, pool *usecases.ConnectionManager, channels *usecases.ChannelUsecase) *TelegramHandler {
	return &TelegramHandler{
		verification: verification,
		qr:           qr,
		pool:         pool,
		channels:     channels,
	}
}

func (h *TelegramHandler) RegisterRoutes(api *gin.RouterGroup) {
	tg := api.Group("/telegram")
	{
		tg.GET("/status", h.GetStatus)
		tg.POST("/setup", h.Setup)
		tg.POST("/setup-simple", h.SetupSimple)
		tg.POST("/resend", h.Resend)
		tg.POST("/verify", h.Verify)
		tg.POST("/bot-token", h.SaveBotToken)
		tg.POST("/connect", h.Connect)
		tg.POST("/disconnect", h.Disconnect)
		tg.POST("/remove", h.Remove)
		tg.POST("/toggle", h.Toggle)
		tg.POST("/invoke", h.Invoke)

		tg.GET("/channels", h.GetChannels)
		tg.PUT("/channels/:channel_id", h.SetChannel)

		tg.POST("/qr-login", h.RequestQRLogin)
		tg.GET("/qr-login/:token", h.GetQRStatus)
		tg.GET("/qr-login/:token/qr.png", h.GetQRImage)
		tg.POST("/qr-login/:token/2fa", h.SubmitQRPassword)
	}
}

// GetStatus returns the pool view of the tenant plus any pending phone verification.
func (h *TelegramHandler) GetStatus(c *gin.Context) {
	st, err := h.pool.Status(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"status": st}
	if s, ok := h.verification.PendingSession(tenantID(c)); ok {
		resp["verification"] = gin.H{
			"pending":    true,
			"expires_at": s.ExpiresAt,
			"attempts":   s.AttemptCount,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func codeSentResponse(sent usecases.CodeSent) gin.H {
	return gin.H{
		"status":          "code_sent",
		"phone_code_hash": sent.PhoneCodeHash,
		"expires_at":      sent.ExpiresAt,
		"expires_in":      sent.ExpiresIn,
	}
}

func (h *TelegramHandler) Setup(c *gin.Context) {
	var req struct {
		APIID   int    `json:"api_id"`
		APIHash string `json:"api_hash"`
		Phone   string `json:"phone"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	sent, err := h.verification.Setup(c.Request.Context(), usecases.SetupInput{
		TenantID: tenantID(c),
		APIID:    req.APIID,
		APIHash:  req.APIHash,
		Phone:    req.Phone,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, codeSentResponse(sent))
}

// SetupSimple starts phone verification with the platform's API id and hash.
func (h *TelegramHandler) SetupSimple(c *gin.Context) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	sent, err := h.verification.SetupSimple(c.Request.Context(), tenantID(c), req.Phone)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, codeSentResponse(sent))
}

func (h *TelegramHandler) Resend(c *gin.Context) {
	sent, err := h.verification.Resend(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, codeSentResponse(sent))
}

func (h *TelegramHandler) Verify(c *gin.Context) {
	var req struct {
		Code          string  `json:"code"`
		PhoneCodeHash string  `json:"phone_code_hash"`
		Password      *string `json:"password"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	cred, err := h.verification.Verify(c.Request.Context(), usecases.VerifyInput{
		TenantID:      tenantID(c),
		Code:          req.Code,
		PhoneCodeHash: req.PhoneCodeHash,
		Password:      mo.PointerToOption(req.Password),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified", "credential": cred})
}

func (h *TelegramHandler) SaveBotToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	cred, err := h.verification.SetupBotToken(c.Request.Context(), usecases.BotTokenInput{
		TenantID: tenantID(c),
		Token:    req.Token,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "bot_name": cred.BotUsername, "credential": cred})
}

// Connect opens the pooled connection now instead of on first use.
func (h *TelegramHandler) Connect(c *gin.Context) {
	st, err := h.pool.ConnectEagerly(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

func (h *TelegramHandler) Disconnect(c *gin.Context) {
	if err := h.pool.Disconnect(c.Request.Context(), tenantID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// Remove deletes the tenant's credential and channel overrides.
func (h *TelegramHandler) Remove(c *gin.Context) {
	if err := h.pool.Remove(c.Request.Context(), tenantID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *TelegramHandler) Toggle(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.Enabled == nil {
		respondError(c, fmt.Errorf("enabled is required: %w", entities.ErrValidation))
		return
	}

	cred, err := h.channels.Toggle(c.Request.Context(), tenantID(c), *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": cred.Enabled, "updated_at": cred.UpdatedAt})
}

// Invoke runs one Telegram API method through the tenant's pooled connection.
func (h *TelegramHandler) Invoke(c *gin.Context) {
	var req struct {
		Method    string            `json:"method"`
		ChannelID string            `json:"channel_id"`
		Params    map[string]string `json:"params"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	res, err := h.pool.Invoke(c.Request.Context(), tenantID(c), req.ChannelID, req.Method, req.Params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": json.RawMessage(res)})
}

func (h *TelegramHandler) GetChannels(c *gin.Context) {
	settings, err := h.channels.Settings(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *TelegramHandler) SetChannel(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.Enabled == nil {
		respondError(c, fmt.Errorf("enabled is required: %w", entities.ErrValidation))
		return
	}

	o, err := h.channels.SetOverride(c.Request.Context(), tenantID(c), c.Param("channel_id"), *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func qrResponse(s entities.QRLoginSession, now time.Time) gin.H {
	resp := gin.H{
		"token":      s.Token,
		"status":     s.Status,
		"expires_at": s.ExpiresAt,
		"expires_in": s.ExpiresIn(now),
	}
	if s.Status == entities.QRPending {
		resp["login_url"] = s.LoginURL
	}
	if s.PasswordHint != "" {
		resp["password_hint"] = s.PasswordHint
	}
	if s.ResultingTenantID != "" {
		resp["tenant_id"] = s.ResultingTenantID
	}
	return resp
}

func (h *TelegramHandler) RequestQRLogin(c *gin.Context) {
	s, err := h.qr.RequestQRLogin(c.Request.Context(), tenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qrResponse(s, h.qr.Now()))
}

// ownedQR returns the session behind the :token param if it belongs to the caller.
func (h *TelegramHandler) ownedQR(c *gin.Context) (entities.QRLoginSession, bool) {
	s, err := h.qr.Lookup(c.Param("token"))
	if err == nil && s.TenantID != tenantID(c) {
		err = fmt.Errorf("qr session: %w", entities.ErrNotFound)
	}
	if err != nil {
		respondError(c, err)
		return entities.QRLoginSession{}, false
	}
	return s, true
}

func (h *TelegramHandler) GetQRStatus(c *gin.Context) {
	if _, ok := h.ownedQR(c); !ok {
		return
	}
	s, err := h.qr.CheckStatus(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qrResponse(s, h.qr.Now()))
}

// GetQRImage renders the login URL as a PNG for the Telegram app to scan.
func (h *TelegramHandler) GetQRImage(c *gin.Context) {
	s, ok := h.ownedQR(c)
	if !ok {
		return
	}
	switch s.Status {
	case entities.QRPending:
	case entities.QRExpired:
		respondError(c, entities.ErrQRExpired)
		return
	default:
		respondError(c, fmt.Errorf("qr session is %s: %w", s.Status, entities.ErrInvalidTransition))
		return
	}

	png, err := qrcode.Encode(s.LoginURL, qrcode.Medium, 256)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *TelegramHandler) SubmitQRPassword(c *gin.Context) {
	if _, ok := h.ownedQR(c); !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}

	s, err := h.qr.Submit2FA(c.Request.Context(), c.Param("token"), req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qrResponse(s, h.qr.Now()))
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
	"tgsession/internal/repository"
	"tgsession/internal/usecases"
)

const (
	testSecret   = "test-secret"
	testBotToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
	testAPIHash  = "0123456789abcdef0123456789abcdef"
)

type stubHandle struct{}

func (stubHandle) Invoke(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"method":%q}`, method)), nil
}

func (stubHandle) Close() error { return nil }

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, cred entities.BotCredential) (interfaces.ClientHandle, error) {
	return stubHandle{}, nil
}

type testServer struct {
	router   *gin.Engine
	upstream *interfaces.MockAuthUpstream
	bots     *interfaces.MockBotValidator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	arena := infrastructure.NewTenantArena()
	limiter := infrastructure.NewTenantRateLimiter(50, 4)
	upstream := &interfaces.MockAuthUpstream{}
	bots := &interfaces.MockBotValidator{}
	nop := zerolog.Nop()

	channels := usecases.NewChannelUsecase(store, store, arena, nop)
	pool := usecases.NewConnectionManager(store, stubDialer{}, limiter, arena, channels, usecases.PoolConfig{}, nop)
	t.Cleanup(pool.Shutdown)
	verification := usecases.NewVerificationUsecase(store, upstream, bots, arena, pool, usecases.VerificationConfig{
		TTL:                  5 * time.Minute,
		DefaultAPIID:         123456,
		DefaultAPIHash:       testAPIHash,
		DefaultRPS:           50,
		DefaultMaxConcurrent: 4,
	}, nop)
	qr := usecases.NewQRLoginUsecase(store, upstream, arena, pool, verification, usecases.QRConfig{
		TTL:                  2 * time.Minute,
		DefaultAPIID:         123456,
		DefaultAPIHash:       testAPIHash,
		DefaultRPS:           50,
		DefaultMaxConcurrent: 4,
	}, nop)
	admin := usecases.NewAdminUsecase(store, pool, limiter, arena, nop)

	reg := prometheus.NewRegistry()
	infrastructure.RegisterMetrics(reg)

	r := gin.New()
	SetupRoutes(r, Deps{
		Verification:  verification,
		QR:            qr,
		Pool:          pool,
		Channels:      channels,
		Admin:         admin,
		Middleware:    NewMiddleware(testSecret),
		Metrics:       reg,
		Logger:        nop,
		RatePerSecond: 1000,
		Burst:         1000,
	})
	return &testServer{router: r, upstream: upstream, bots: bots}
}

func signToken(t *testing.T, tenant, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"tenant_id": tenant, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) saveBotToken(t *testing.T, token string) {
	t.Helper()
	s.bots.On("ValidateToken", mock.Anything, testBotToken).Return("acme_bot", nil)
	w := s.do(t, http.MethodPost, "/api/telegram/bot-token", token, gin.H{"token": testBotToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAuthAndAdminGuards(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/telegram/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/telegram/status", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "acme"}).SignedString([]byte("other"))
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/telegram/status", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/telegram/stats", signToken(t, "acme", "user"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/telegram/stats", signToken(t, "ops", "admin"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTenantFromNumericUserID(t *testing.T) {
	s := newTestServer(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 42}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/telegram/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)["status"].(map[string]any)
	assert.Equal(t, "42", status["tenant_id"])
	assert.Equal(t, false, status["configured"])
}

func TestPhoneVerificationOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tok := signToken(t, "acme", "")

	s.upstream.On("SendCode", mock.Anything, mock.Anything).Return(interfaces.SentCode{PhoneCodeHash: "pch-1"}, nil)
	w := s.do(t, http.MethodPost, "/api/telegram/setup-simple", tok, gin.H{"phone": "+15551234567"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sent := decode(t, w)
	assert.Equal(t, "code_sent", sent["status"])
	assert.Equal(t, "pch-1", sent["phone_code_hash"])
	assert.EqualValues(t, 300, sent["expires_in"])

	w = s.do(t, http.MethodGet, "/api/telegram/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "pending", body["status"].(map[string]any)["status"])
	assert.Equal(t, true, body["verification"].(map[string]any)["pending"])

	s.upstream.On("SignIn", mock.Anything, mock.MatchedBy(func(r interfaces.SignInRequest) bool {
		return r.Password.IsAbsent()
	})).Return(interfaces.Authorization{}, entities.ErrTwoFactorRequired).Once()
	w = s.do(t, http.MethodPost, "/api/telegram/verify", tok, gin.H{"code": "12345", "phone_code_hash": "pch-1"})
	assert.Equal(t, http.StatusPreconditionRequired, w.Code)
	assert.Equal(t, "two_factor_required", decode(t, w)["error"])

	s.upstream.On("SignIn", mock.Anything, mock.MatchedBy(func(r interfaces.SignInRequest) bool {
		return r.Password.OrElse("") == "hunter2"
	})).Return(interfaces.Authorization{SessionData: "blob", UserID: 7}, nil).Once()
	w = s.do(t, http.MethodPost, "/api/telegram/verify", tok, gin.H{"code": "12345", "phone_code_hash": "pch-1", "password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "verified", decode(t, w)["status"])
	assert.NotContains(t, w.Body.String(), "blob")

	w = s.do(t, http.MethodPost, "/api/telegram/verify", tok, gin.H{"code": "12345", "phone_code_hash": "pch-1"})
	assert.Equal(t, http.StatusGone, w.Code)

	w = s.do(t, http.MethodPost, "/api/telegram/setup-simple", tok, gin.H{"phone": "+15551234567"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_configured", decode(t, w)["error"])
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	tok := signToken(t, "acme", "")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing body", http.MethodPost, "/api/telegram/setup", nil},
		{"bad phone", http.MethodPost, "/api/telegram/setup", gin.H{"api_id": 1, "api_hash": testAPIHash, "phone": "555"}},
		{"bad bot token", http.MethodPost, "/api/telegram/bot-token", gin.H{"token": "nope"}},
		{"toggle without flag", http.MethodPost, "/api/telegram/toggle", gin.H{}},
		{"invoke without method", http.MethodPost, "/api/telegram/invoke", gin.H{"channel_id": "c1"}},
		{"bad channel id", http.MethodPut, "/api/telegram/channels/" + "bad%20id", gin.H{"enabled": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, "validation", body["kind"])
		})
	}
	s.upstream.AssertNotCalled(t, "SendCode", mock.Anything, mock.Anything)
}

func TestBotTokenInvokeAndChannels(t *testing.T) {
	s := newTestServer(t)
	tok := signToken(t, "acme", "")
	s.saveBotToken(t, tok)

	w := s.do(t, http.MethodPost, "/api/telegram/invoke", tok, gin.H{"method": "sendMessage", "channel_id": "chat-1", "params": gin.H{"text": "hi"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"result":{"method":"sendMessage"}}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/telegram/status", tok, nil)
	status := decode(t, w)["status"].(map[string]any)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, true, status["actively_connected"])
	assert.Equal(t, "acme_bot", status["bot_username"])

	w = s.do(t, http.MethodPut, "/api/telegram/channels/chat-1", tok, gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/telegram/invoke", tok, gin.H{"method": "sendMessage", "channel_id": "chat-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "channel_disabled", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/api/telegram/invoke", tok, gin.H{"method": "sendMessage", "channel_id": "chat-2"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/telegram/toggle", tok, gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["enabled"])

	w = s.do(t, http.MethodGet, "/api/telegram/channels", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decode(t, w)
	assert.Equal(t, false, settings["enabled"])
	assert.Len(t, settings["overrides"], 1)

	w = s.do(t, http.MethodPost, "/api/telegram/invoke", tok, gin.H{"method": "sendMessage", "channel_id": "chat-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/telegram/disconnect", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/telegram/status", tok, nil)
	assert.Equal(t, false, decode(t, w)["status"].(map[string]any)["actively_connected"])

	w = s.do(t, http.MethodPost, "/api/telegram/remove", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/telegram/status", tok, nil)
	assert.Equal(t, false, decode(t, w)["status"].(map[string]any)["configured"])
}

func TestQRLoginOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tok := signToken(t, "acme", "")

	s.upstream.On("ExportLoginToken", mock.Anything, 123456, testAPIHash).
		Return(interfaces.QRToken{Token: []byte("upstream-token")}, nil)
	w := s.do(t, http.MethodPost, "/api/telegram/qr-login", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode(t, w)
	qrToken := created["token"].(string)
	assert.Equal(t, "pending", created["status"])
	assert.Contains(t, created["login_url"], "tg://login?token=")
	assert.EqualValues(t, 120, created["expires_in"])

	w = s.do(t, http.MethodGet, "/api/telegram/qr-login/"+qrToken+"/qr.png", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	other := signToken(t, "globex", "")
	w = s.do(t, http.MethodGet, "/api/telegram/qr-login/"+qrToken, other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/api/telegram/qr-login/"+qrToken+"/2fa", other, gin.H{"password": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.upstream.On("CheckLoginToken", mock.Anything, []byte("upstream-token")).
		Return(interfaces.QRCheck{State: interfaces.QRStatePasswordNeeded, PasswordHint: "pet"}, nil).Once()
	w = s.do(t, http.MethodGet, "/api/telegram/qr-login/"+qrToken, tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	polled := decode(t, w)
	assert.Equal(t, "2fa_required", polled["status"])
	assert.Equal(t, "pet", polled["password_hint"])

	w = s.do(t, http.MethodGet, "/api/telegram/qr-login/"+qrToken+"/qr.png", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.upstream.On("CheckPassword", mock.Anything, []byte("upstream-token"), "hunter2").
		Return(interfaces.Authorization{SessionData: "qr-blob", UserID: 9}, nil)
	w = s.do(t, http.MethodPost, "/api/telegram/qr-login/"+qrToken+"/2fa", tok, gin.H{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode(t, w)
	assert.Equal(t, "success", done["status"])
	assert.Equal(t, "acme", done["tenant_id"])
	assert.NotContains(t, done, "login_url")

	w = s.do(t, http.MethodGet, "/api/telegram/qr-login/unknown", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminControlPlane(t *testing.T) {
	s := newTestServer(t)
	user := signToken(t, "acme", "")
	admin := signToken(t, "ops", "admin")
	s.saveBotToken(t, user)

	w := s.do(t, http.MethodPost, "/api/admin/telegram/credentials/acme/suspend", admin, gin.H{"reason": "  \x00chargeback  "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	suspended := decode(t, w)
	assert.Equal(t, "suspended", suspended["status"])
	assert.Equal(t, "chargeback", suspended["suspension_reason"])

	w = s.do(t, http.MethodPost, "/api/telegram/invoke", user, gin.H{"method": "getMe"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "suspended", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/api/admin/telegram/credentials/acme/suspend", admin, gin.H{"reason": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/telegram/credentials?status=suspended&limit=500", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.EqualValues(t, 1, page["total"])
	assert.EqualValues(t, 100, page["limit"])
	assert.NotContains(t, w.Body.String(), testBotToken)

	w = s.do(t, http.MethodGet, "/api/admin/telegram/credentials?verified=maybe", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/api/admin/telegram/credentials?status=zombie", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/telegram/credentials/acme/reactivate", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decode(t, w)["status"])
	w = s.do(t, http.MethodPost, "/api/admin/telegram/credentials/acme/reactivate", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, "/api/admin/telegram/credentials/acme/limits", admin, gin.H{"rate_limit_rps": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPut, "/api/admin/telegram/credentials/acme/limits", admin, gin.H{"rate_limit_rps": 1, "max_concurrent_requests": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["rate_limit_rps"])

	w = s.do(t, http.MethodPost, "/api/telegram/invoke", user, gin.H{"method": "getMe"})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/telegram/invoke", user, gin.H{"method": "getMe"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = s.do(t, http.MethodPost, "/api/admin/telegram/credentials/acme/disconnect", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/admin/telegram/credentials/nobody/suspend", admin, gin.H{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/admin/telegram/stats", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 1, stats["by_status"].(map[string]any)["active"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tgsession_pool_connections")
}

func TestHTTPRateLimitPerTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMiddleware(testSecret)
	r := gin.New()
	r.GET("/x", m.AuthRequired(), m.RateLimitPerTenant(1, 2), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	s := &testServer{router: r}

	acme := signToken(t, "acme", "")
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodGet, "/x", acme, nil).Code)
	}
	w := s.do(t, http.MethodGet, "/x", acme, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["error"])

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodGet, "/x", signToken(t, "globex", ""), nil).Code)
}

func TestStatusForErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", entities.ErrValidation), http.StatusBadRequest},
		{entities.ErrNotFound, http.StatusNotFound},
		{entities.ErrSessionExpired, http.StatusGone},
		{entities.ErrQRExpired, http.StatusGone},
		{entities.ErrTwoFactorRequired, http.StatusPreconditionRequired},
		{entities.ErrInvalidCode, http.StatusConflict},
		{entities.ErrConflict, http.StatusConflict},
		{fmt.Errorf("%w: %w", entities.ErrAttemptsExhausted, entities.ErrInvalidCode), http.StatusConflict},
		{entities.ErrConcurrencyExceeded, http.StatusTooManyRequests},
		{entities.ErrSuspended, http.StatusForbidden},
		{entities.ErrUpstreamUnavailable, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(entities.CodeOf(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"tgsession/internal/entities"
	"tgsession/internal/interfaces"
)

// MTProtoGateway talks to the MTProto sidecar over HTTP/JSON. The sidecar
// owns the encrypted Telegram sessions; this side only ever sees opaque
// session strings and login tokens.
type MTProtoGateway struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

func NewMTProtoGateway(baseURL string, timeout time.Duration, logger zerolog.Logger) *MTProtoGateway {
	return &MTProtoGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    NewUpstreamBreaker("mtproto-gateway", logger),
		logger:     logger.With().Str("component", "mtproto_gateway").Logger(),
	}
}

type gatewayError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// gatewayCodes maps Telegram RPC error names, as relayed by the sidecar, to
// domain errors.
var gatewayCodes = map[string]*entities.Error{
	"PHONE_CODE_INVALID":      entities.ErrInvalidCode,
	"PHONE_CODE_EMPTY":        entities.ErrInvalidCode,
	"PHONE_CODE_EXPIRED":      entities.ErrSessionExpired,
	"SESSION_PASSWORD_NEEDED": entities.ErrTwoFactorRequired,
	"PASSWORD_HASH_INVALID":   entities.ErrInvalidPassword,
	"FLOOD_WAIT":              entities.ErrUpstreamThrottled,
	"PHONE_NUMBER_INVALID":    entities.ErrValidation,
	"PHONE_NUMBER_BANNED":     entities.ErrCredentialRejected,
	"API_ID_INVALID":          entities.ErrCredentialRejected,
	"AUTH_KEY_UNREGISTERED":   entities.ErrCredentialRejected,
	"SESSION_REVOKED":         entities.ErrCredentialRejected,
	"AUTH_TOKEN_EXPIRED":      entities.ErrQRExpired,
	"AUTH_TOKEN_INVALID":      entities.ErrQRExpired,
}

func decodeGatewayError(status int, body []byte) error {
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)

	code := strings.ToUpper(ge.Error)
	if strings.HasPrefix(code, "FLOOD_WAIT") {
		code = "FLOOD_WAIT"
	}
	if sentinel, ok := gatewayCodes[code]; ok {
		return fmt.Errorf("mtproto %s: %w", ge.Error, sentinel)
	}
	if status >= 500 {
		return fmt.Errorf("mtproto gateway status %d: %w", status, entities.ErrUpstreamUnavailable)
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("mtproto gateway status %d: %w", status, entities.ErrUpstreamThrottled)
	}
	msg := ge.Message
	if msg == "" {
		msg = ge.Error
	}
	return fmt.Errorf("mtproto %s: %w", msg, entities.ErrRequestRejected)
}

// call posts in as JSON to path and decodes the response into out. Transport
// failures and 5xx responses count against the breaker.
func (g *MTProtoGateway) call(ctx context.Context, path string, in, out any) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.do(ctx, path, in, out)
	})
	if IsBreakerOpen(err) {
		return fmt.Errorf("mtproto gateway: %w: %w", err, entities.ErrUpstreamUnavailable)
	}
	return err
}

func (g *MTProtoGateway) do(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("mtproto gateway %s: %v: %w", path, err, entities.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mtproto gateway %s: %v: %w", path, err, entities.ErrUpstreamUnavailable)
	}
	if resp.StatusCode >= 300 {
		err := decodeGatewayError(resp.StatusCode, body)
		g.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Err(err).Msg("gateway call failed")
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mtproto gateway %s: bad response: %v: %w", path, err, entities.ErrUpstreamUnavailable)
	}
	return nil
}

type authorizationDTO struct {
	Session  string `json:"session"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func (a authorizationDTO) toAuthorization() interfaces.Authorization {
	return interfaces.Authorization{SessionData: a.Session, UserID: a.UserID, Username: a.Username}
}

func (g *MTProtoGateway) SendCode(ctx context.Context, req interfaces.SendCodeRequest) (interfaces.SentCode, error) {
	var out struct {
		PhoneCodeHash string `json:"phone_code_hash"`
	}
	err := g.call(ctx, "/v1/auth/send-code", map[string]any{
		"api_id":   req.APIID,
		"api_hash": req.APIHash,
		"phone":    req.Phone,
	}, &out)
	if err != nil {
		return interfaces.SentCode{}, err
	}
	if out.PhoneCodeHash == "" {
		return interfaces.SentCode{}, fmt.Errorf("mtproto gateway returned empty phone_code_hash: %w", entities.ErrUpstreamUnavailable)
	}
	return interfaces.SentCode{PhoneCodeHash: out.PhoneCodeHash}, nil
}

func (g *MTProtoGateway) SignIn(ctx context.Context, req interfaces.SignInRequest) (interfaces.Authorization, error) {
	in := map[string]any{
		"api_id":          req.APIID,
		"api_hash":        req.APIHash,
		"phone":           req.Phone,
		"phone_code_hash": req.PhoneCodeHash,
		"code":            req.Code,
	}
	if password, ok := req.Password.Get(); ok {
		in["password"] = password
	}
	var out authorizationDTO
	if err := g.call(ctx, "/v1/auth/sign-in", in, &out); err != nil {
		return interfaces.Authorization{}, err
	}
	return out.toAuthorization(), nil
}

func (g *MTProtoGateway) ExportLoginToken(ctx context.Context, apiID int, apiHash string) (interfaces.QRToken, error) {
	var out struct {
		Token   []byte `json:"token"`
		Expires int64  `json:"expires"`
	}
	err := g.call(ctx, "/v1/auth/qr/export", map[string]any{
		"api_id":   apiID,
		"api_hash": apiHash,
	}, &out)
	if err != nil {
		return interfaces.QRToken{}, err
	}
	return interfaces.QRToken{Token: out.Token, ExpiresAt: time.Unix(out.Expires, 0)}, nil
}

func (g *MTProtoGateway) CheckLoginToken(ctx context.Context, token []byte) (interfaces.QRCheck, error) {
	var out struct {
		State         string           `json:"state"`
		Authorization authorizationDTO `json:"authorization"`
		PasswordHint  string           `json:"password_hint"`
	}
	if err := g.call(ctx, "/v1/auth/qr/check", map[string]any{"token": token}, &out); err != nil {
		return interfaces.QRCheck{}, err
	}

	switch out.State {
	case "authorized":
		return interfaces.QRCheck{State: interfaces.QRStateAuthorized, Authorization: out.Authorization.toAuthorization()}, nil
	case "password_needed":
		return interfaces.QRCheck{State: interfaces.QRStatePasswordNeeded, PasswordHint: out.PasswordHint}, nil
	}
	return interfaces.QRCheck{State: interfaces.QRStateWaiting}, nil
}

func (g *MTProtoGateway) CheckPassword(ctx context.Context, token []byte, password string) (interfaces.Authorization, error) {
	var out authorizationDTO
	err := g.call(ctx, "/v1/auth/qr/password", map[string]any{
		"token":    token,
		"password": password,
	}, &out)
	if err != nil {
		return interfaces.Authorization{}, err
	}
	return out.toAuthorization(), nil
}

// Dial opens a user session on the sidecar from stored session data.
func (g *MTProtoGateway) Dial(ctx context.Context, cred entities.BotCredential) (interfaces.ClientHandle, error) {
	if cred.SessionData == "" {
		return nil, fmt.Errorf("tenant %s has no session data: %w", cred.TenantID, entities.ErrNotVerified)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := g.call(ctx, "/v1/sessions/open", map[string]any{
		"api_id":   cred.APIID,
		"api_hash": cred.APIHash,
		"session":  cred.SessionData,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &gatewaySession{gateway: g, id: out.SessionID}, nil
}

type gatewaySession struct {
	gateway *MTProtoGateway
	id      string
}

func (s *gatewaySession) Invoke(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	var out json.RawMessage
	path := "/v1/sessions/" + url.PathEscape(s.id) + "/invoke"
	err := s.gateway.call(ctx, path, map[string]any{"method": method, "params": params}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gatewaySession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.gateway.do(ctx, "/v1/sessions/"+url.PathEscape(s.id)+"/close", struct{}{}, nil)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/mo"

	"tgsession/internal/entities"
)

// CredentialStore persists one BotCredential per tenant. Upsert is a
// compare-and-swap on Version; Delete also removes the tenant's channel
// overrides.
type CredentialStore interface {
	Get(ctx context.Context, tenantID string) (*entities.BotCredential, error)
	Upsert(ctx context.Context, cred *entities.BotCredential) error
	Delete(ctx context.Context, tenantID string) error
	RecordUsage(ctx context.Context, tenantID string, at time.Time) error
	List(ctx context.Context, filter entities.CredentialFilter, limit, offset int) ([]entities.BotCredential, int, error)
	CountByStatus(ctx context.Context) (map[entities.CredentialStatus]int, error)
}

type ChannelOverrideStore interface {
	GetOverride(ctx context.Context, tenantID, channelID string) (mo.Option[entities.ChannelOverride], error)
	UpsertOverride(ctx context.Context, o entities.ChannelOverride) error
	ListOverrides(ctx context.Context, tenantID string) ([]entities.ChannelOverride, error)
}

// Store is what every backend in internal/repository provides.
type Store interface {
	CredentialStore
	ChannelOverrideStore
	Close()
}

type SendCodeRequest struct {
	APIID   int
	APIHash string
	Phone   string
}

type SentCode struct {
	PhoneCodeHash string
}

type SignInRequest struct {
	APIID         int
	APIHash       string
	Phone         string
	PhoneCodeHash string
	Code          string
	Password      mo.Option[string]
}

// Authorization is what a completed login yields.
type Authorization struct {
	SessionData string
	UserID      int64
	Username    string
}

type QRToken struct {
	Token     []byte
	ExpiresAt time.Time
}

type QRState int

const (
	QRStateWaiting QRState = iota
	QRStateAuthorized
	QRStatePasswordNeeded
)

type QRCheck struct {
	State         QRState
	Authorization Authorization
	PasswordHint  string
}

// AuthUpstream is the MTProto login surface. Implementations return the
// entities protocol errors (ErrInvalidCode, ErrTwoFactorRequired,
// ErrInvalidPassword, ErrUpstreamThrottled) where they apply.
type AuthUpstream interface {
	SendCode(ctx context.Context, req SendCodeRequest) (SentCode, error)
	SignIn(ctx context.Context, req SignInRequest) (Authorization, error)
	ExportLoginToken(ctx context.Context, apiID int, apiHash string) (QRToken, error)
	CheckLoginToken(ctx context.Context, token []byte) (QRCheck, error)
	CheckPassword(ctx context.Context, token []byte, password string) (Authorization, error)
}

type BotValidator interface {
	ValidateToken(ctx context.Context, token string) (username string, err error)
}

// ClientHandle is a live Telegram client owned by the connection pool.
type ClientHandle interface {
	Invoke(ctx context.Context, method string, params map[string]string) (json.RawMessage, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cred entities.BotCredential) (ClientHandle, error)
}

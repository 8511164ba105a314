package entities

import "time"

// MaxVerificationAttempts caps failed code (and QR password) submissions per session.
const MaxVerificationAttempts = 5

// VerificationSession is the in-memory state of a phone-code login.
type VerificationSession struct {
	TenantID      string    `json:"tenant_id"`
	PhoneCodeHash string    `json:"phone_code_hash"`
	ExpiresAt     time.Time `json:"expires_at"`
	AttemptCount  int       `json:"attempt_count"`
}

func (s *VerificationSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type QRStatus string

const (
	QRPending     QRStatus = "pending"
	QRSuccess     QRStatus = "success"
	QRExpired     QRStatus = "expired"
	QR2FARequired QRStatus = "2fa_required"
	QRError       QRStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s QRStatus) Terminal() bool {
	return s == QRSuccess || s == QRExpired || s == QRError
}

// QRLoginSession is the in-memory state of a QR-code login.
type QRLoginSession struct {
	Token             string    `json:"token"`
	TenantID          string    `json:"-"`
	Status            QRStatus  `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	ResultingTenantID string    `json:"resulting_tenant_id,omitempty"`

	LoginURL         string `json:"login_url"`
	UpstreamToken    []byte `json:"-"`
	PasswordAttempts int    `json:"-"`
	PasswordHint     string `json:"password_hint,omitempty"`
}

// ExpiresIn is the remaining lifetime in whole seconds, never negative.
func (s *QRLoginSession) ExpiresIn(now time.Time) int {
	d := s.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}

// PoolStatus is the externally visible connection state of a tenant. Connected
// and ActivelyConnected are two projections of one pool slot.
type PoolStatus struct {
	TenantID          string           `json:"tenant_id"`
	Configured        bool             `json:"configured"`
	Connected         bool             `json:"connected"`
	ActivelyConnected bool             `json:"actively_connected"`
	Status            CredentialStatus `json:"status,omitempty"`
	Kind              CredentialKind   `json:"kind,omitempty"`
	Enabled           bool             `json:"enabled"`
	BotUsername       string           `json:"bot_username,omitempty"`
	InFlight          int              `json:"in_flight"`
	LastActiveAt      *time.Time       `json:"last_active_at,omitempty"`
	SuspensionReason  *string          `json:"suspension_reason,omitempty"`
}

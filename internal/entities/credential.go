package entities

import (
	"fmt"
	"time"
)

type CredentialStatus string

const (
	StatusPending     CredentialStatus = "pending"
	StatusActive      CredentialStatus = "active"
	StatusSuspended   CredentialStatus = "suspended"
	StatusRateLimited CredentialStatus = "rate_limited"
	StatusError       CredentialStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRateLimited, StatusError:
		return true
	}
	return false
}

// CredentialKind tells which Telegram API the credential authenticates against.
type CredentialKind string

const (
	KindBot     CredentialKind = "bot"
	KindMTProto CredentialKind = "mtproto"
)

// BotCredential is the single credential set a tenant owns.
type BotCredential struct {
	TenantID string           `json:"tenant_id"`
	Kind     CredentialKind   `json:"kind"`
	Status   CredentialStatus `json:"status"`
	Verified bool             `json:"verified"`
	Enabled  bool             `json:"enabled"` // tenant-global enable flag

	// MTProto
	APIID       int    `json:"api_id,omitempty"`
	APIHash     string `json:"-"`
	Phone       string `json:"phone,omitempty"`
	SessionData string `json:"-"`

	// Bot API
	BotToken    string `json:"-"`
	BotUsername string `json:"bot_username,omitempty"`

	RateLimitRPS          float64 `json:"rate_limit_rps"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests"`
	TotalRequests         int64   `json:"total_requests"`

	SuspensionReason *string `json:"suspension_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// Version is bumped by the store on every successful upsert.
	Version int64 `json:"-"`
}

// NewCredential returns an unsaved credential with the given limits. Its
// status is empty until the first event is applied.
func NewCredential(tenantID string, kind CredentialKind, rps float64, maxConcurrent int, now time.Time) *BotCredential {
	return &BotCredential{
		TenantID:              tenantID,
		Kind:                  kind,
		Enabled:               true,
		RateLimitRPS:          rps,
		MaxConcurrentRequests: maxConcurrent,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Usable reports whether a connection may be opened with this credential.
func (c *BotCredential) Usable() bool {
	return c.Verified && (c.Status == StatusActive || c.Status == StatusRateLimited)
}

// Event is an input to the credential state machine.
type Event struct {
	Type   EventType
	Reason string // Suspended only
}

type EventType int

const (
	EventCodeIssued EventType = iota + 1
	EventVerified
	EventSuspended
	EventReactivated
	EventUpstreamFailed
	EventThrottled
	EventConnected
)

func (t EventType) String() string {
	switch t {
	case EventCodeIssued:
		return "code_issued"
	case EventVerified:
		return "verified"
	case EventSuspended:
		return "suspended"
	case EventReactivated:
		return "reactivated"
	case EventUpstreamFailed:
		return "upstream_failed"
	case EventThrottled:
		return "throttled"
	case EventConnected:
		return "connected"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Apply is the only place where Status, Verified and SuspensionReason change.
// A credential with an empty status has never been through a flow.
func (c *BotCredential) Apply(ev Event, now time.Time) error {
	from := c.Status
	if from == StatusSuspended && ev.Type != EventSuspended && ev.Type != EventReactivated {
		return ErrSuspended
	}

	switch ev.Type {
	case EventCodeIssued:
		if from == StatusActive {
			return ErrAlreadyConfigured
		}
		c.Status = StatusPending

	case EventVerified:
		c.Status = StatusActive
		c.Verified = true

	case EventSuspended:
		if ev.Reason == "" {
			return fmt.Errorf("suspension reason is required: %w", ErrValidation)
		}
		reason := ev.Reason
		c.Status = StatusSuspended
		c.SuspensionReason = &reason

	case EventReactivated:
		if from != StatusSuspended {
			return fmt.Errorf("reactivate from %q: %w", from, ErrInvalidTransition)
		}
		c.Status = StatusPending
		if c.Verified {
			c.Status = StatusActive
		}
		c.SuspensionReason = nil

	case EventUpstreamFailed:
		if from != StatusActive && from != StatusRateLimited {
			return fmt.Errorf("%s from %q: %w", ev.Type, from, ErrInvalidTransition)
		}
		c.Status = StatusError

	case EventThrottled:
		if from != StatusActive && from != StatusRateLimited {
			return fmt.Errorf("%s from %q: %w", ev.Type, from, ErrInvalidTransition)
		}
		c.Status = StatusRateLimited

	case EventConnected:
		if from != StatusActive && from != StatusRateLimited {
			return fmt.Errorf("%s from %q: %w", ev.Type, from, ErrInvalidTransition)
		}
		c.Status = StatusActive

	default:
		return fmt.Errorf("unknown event %s: %w", ev.Type, ErrInvalidTransition)
	}

	c.UpdatedAt = now
	return nil
}

// ChannelOverride pins a channel's enabled flag regardless of the tenant's
// global flag.
type ChannelOverride struct {
	TenantID  string    `json:"tenant_id"`
	ChannelID string    `json:"channel_id"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialFilter narrows admin listings. Zero values match everything.
type CredentialFilter struct {
	Status   CredentialStatus
	Kind     CredentialKind
	Verified *bool
}

type CredentialPage struct {
	Items  []BotCredential `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

package usecases

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
)

type QRConfig struct {
	TTL                  time.Duration
	DefaultAPIID         int
	DefaultAPIHash       string
	DefaultRPS           float64
	DefaultMaxConcurrent int
}

type qrEntry struct {
	session entities.QRLoginSession
	apiID   int
	apiHash string
}

// QRLoginUsecase drives QR-code logins. Callers poll CheckStatus; nothing
// here waits or runs in the background, and expiry is decided on each read.
type QRLoginUsecase struct {
	store        interfaces.CredentialStore
	upstream     interfaces.AuthUpstream
	arena        *infrastructure.TenantArena
	pool         *ConnectionManager
	verification *VerificationUsecase
	cfg          QRConfig
	logger       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*qrEntry // by token
	byTenant map[string]string   // tenant -> latest token

	Now func() time.Time
}

func NewQRLoginUsecase(
	store interfaces.CredentialStore,
	upstream interfaces.AuthUpstream,
	arena *infrastructure.TenantArena,
	pool *ConnectionManager,
	verification *VerificationUsecase,
	cfg QRConfig,
	logger zerolog.Logger,
) *QRLoginUsecase {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	uc := &QRLoginUsecase{
		store:        store,
		upstream:     upstream,
		arena:        arena,
		pool:         pool,
		verification: verification,
		cfg:          cfg,
		logger:       logger.With().Str("component", "qr_login").Logger(),
		sessions:     make(map[string]*qrEntry),
		byTenant:     make(map[string]string),
		Now:          time.Now,
	}
	pool.OnRemove(uc.discardTenant)
	return uc
}

func (uc *QRLoginUsecase) discardTenant(tenantID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if token, ok := uc.byTenant[tenantID]; ok {
		delete(uc.sessions, token)
		delete(uc.byTenant, tenantID)
	}
}

// pruneLocked drops sessions that expired more than one TTL ago. uc.mu must be held.
func (uc *QRLoginUsecase) pruneLocked(now time.Time) {
	for token, e := range uc.sessions {
		if now.Sub(e.session.ExpiresAt) > uc.cfg.TTL {
			delete(uc.sessions, token)
			if uc.byTenant[e.session.TenantID] == token {
				delete(uc.byTenant, e.session.TenantID)
			}
		}
	}
}

func (uc *QRLoginUsecase) lookup(token string) (*qrEntry, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	e, ok := uc.sessions[token]
	if !ok {
		return nil, fmt.Errorf("qr session %s: %w", token, entities.ErrNotFound)
	}
	return e, nil
}

func (uc *QRLoginUsecase) snapshot(e *qrEntry) entities.QRLoginSession {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return e.session
}

func (uc *QRLoginUsecase) update(e *qrEntry, fn func(s *entities.QRLoginSession)) entities.QRLoginSession {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	fn(&e.session)
	return e.session
}

// withSession resolves token, locks its tenant and re-checks that the token
// was not replaced in the meantime.
func (uc *QRLoginUsecase) withSession(token string, fn func(e *qrEntry) error) error {
	e, err := uc.lookup(token)
	if err != nil {
		return err
	}
	tenantID := uc.snapshot(e).TenantID
	return uc.arena.WithTenant(tenantID, func() error {
		current, err := uc.lookup(token)
		if err != nil {
			return err
		}
		return fn(current)
	})
}

// RequestQRLogin starts a QR login for the tenant. Any earlier QR session of
// the tenant stops being valid.
func (uc *QRLoginUsecase) RequestQRLogin(ctx context.Context, tenantID string) (entities.QRLoginSession, error) {
	if err := validateTenant(tenantID); err != nil {
		return entities.QRLoginSession{}, err
	}
	var out entities.QRLoginSession
	err := uc.arena.WithTenant(tenantID, func() error {
		apiID, apiHash := uc.cfg.DefaultAPIID, uc.cfg.DefaultAPIHash
		cred, err := uc.store.Get(ctx, tenantID)
		switch {
		case entities.IsNotFound(err):
		case err != nil:
			return err
		case cred.Status == entities.StatusSuspended:
			return entities.ErrSuspended
		case cred.APIID != 0 && cred.APIHash != "":
			apiID, apiHash = cred.APIID, cred.APIHash
		}
		if apiID == 0 || apiHash == "" {
			return fmt.Errorf("platform api credentials are not configured: %w", entities.ErrValidation)
		}

		qr, err := uc.upstream.ExportLoginToken(ctx, apiID, apiHash)
		if err != nil {
			return err
		}

		now := uc.Now()
		expires := now.Add(uc.cfg.TTL)
		if !qr.ExpiresAt.IsZero() && qr.ExpiresAt.After(now) && qr.ExpiresAt.Before(expires) {
			expires = qr.ExpiresAt
		}
		e := &qrEntry{
			session: entities.QRLoginSession{
				Token:         NewID("qr"),
				TenantID:      tenantID,
				Status:        entities.QRPending,
				CreatedAt:     now,
				ExpiresAt:     expires,
				LoginURL:      "tg://login?token=" + base64.RawURLEncoding.EncodeToString(qr.Token),
				UpstreamToken: qr.Token,
			},
			apiID:   apiID,
			apiHash: apiHash,
		}

		uc.mu.Lock()
		uc.pruneLocked(now)
		if prev, ok := uc.byTenant[tenantID]; ok {
			delete(uc.sessions, prev)
		}
		uc.sessions[e.session.Token] = e
		uc.byTenant[tenantID] = e.session.Token
		out = e.session
		uc.mu.Unlock()
		return nil
	})
	infrastructure.QRLogins.WithLabelValues(resultLabel("requested", err)).Inc()
	if err != nil {
		return entities.QRLoginSession{}, err
	}
	uc.logger.Info().Str("tenant_id", tenantID).Str("token", out.Token).Time("expires_at", out.ExpiresAt).Msg("qr login requested")
	return out, nil
}

func resultLabel(ok string, err error) string {
	if err != nil {
		return infrastructure.MetricResult(err)
	}
	return ok
}

// expireIfDue moves a non-terminal session past its deadline to expired.
func (uc *QRLoginUsecase) expireIfDue(e *qrEntry, now time.Time) (entities.QRLoginSession, bool) {
	var expired bool
	s := uc.update(e, func(s *entities.QRLoginSession) {
		if !s.Status.Terminal() && !now.Before(s.ExpiresAt) {
			s.Status = entities.QRExpired
			s.UpstreamToken = nil
			expired = true
		}
	})
	if expired {
		infrastructure.QRLogins.WithLabelValues("expired").Inc()
	}
	return s, s.Status == entities.QRExpired
}

// Lookup returns the session behind token without contacting Telegram.
func (uc *QRLoginUsecase) Lookup(token string) (entities.QRLoginSession, error) {
	e, err := uc.lookup(token)
	if err != nil {
		return entities.QRLoginSession{}, err
	}
	s, _ := uc.expireIfDue(e, uc.Now())
	return s, nil
}

// CheckStatus reports the session's status, polling Telegram once while it is
// pending. A session past its deadline reads as expired.
func (uc *QRLoginUsecase) CheckStatus(ctx context.Context, token string) (entities.QRLoginSession, error) {
	var out entities.QRLoginSession
	err := uc.withSession(token, func(e *qrEntry) error {
		now := uc.Now()
		s, expired := uc.expireIfDue(e, now)
		out = s
		if expired || s.Status != entities.QRPending {
			return nil
		}

		check, err := uc.upstream.CheckLoginToken(ctx, s.UpstreamToken)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out = uc.failUpstream(e, err)
			return nil
		}

		switch check.State {
		case interfaces.QRStateAuthorized:
			out, err = uc.completeLocked(ctx, e, check.Authorization)
			return err
		case interfaces.QRStatePasswordNeeded:
			out = uc.update(e, func(s *entities.QRLoginSession) {
				s.Status = entities.QR2FARequired
				s.PasswordHint = check.PasswordHint
			})
		}
		return nil
	})
	return out, err
}

func (uc *QRLoginUsecase) failUpstream(e *qrEntry, err error) entities.QRLoginSession {
	status := entities.QRError
	if errors.Is(err, entities.ErrQRExpired) {
		status = entities.QRExpired
	}
	s := uc.update(e, func(s *entities.QRLoginSession) {
		s.Status = status
		s.UpstreamToken = nil
	})
	infrastructure.QRLogins.WithLabelValues(string(status)).Inc()
	uc.logger.Warn().Err(err).Str("tenant_id", s.TenantID).Str("token", s.Token).Str("status", string(status)).Msg("qr login ended")
	return s
}

// Submit2FA is only accepted after a status check has observed 2fa_required.
func (uc *QRLoginUsecase) Submit2FA(ctx context.Context, token, password string) (entities.QRLoginSession, error) {
	if password == "" {
		return entities.QRLoginSession{}, fmt.Errorf("password is required: %w", entities.ErrValidation)
	}
	var out entities.QRLoginSession
	err := uc.withSession(token, func(e *qrEntry) error {
		s, expired := uc.expireIfDue(e, uc.Now())
		out = s
		if expired {
			return entities.ErrQRExpired
		}
		if s.Status != entities.QR2FARequired {
			return fmt.Errorf("qr session is %s: %w", s.Status, entities.ErrNotAwaitingTwoFA)
		}

		auth, err := uc.upstream.CheckPassword(ctx, s.UpstreamToken, password)
		switch {
		case err == nil:
			out, err = uc.completeLocked(ctx, e, auth)
			return err
		case errors.Is(err, entities.ErrInvalidPassword):
			out = uc.update(e, func(s *entities.QRLoginSession) { s.PasswordAttempts++ })
			if out.PasswordAttempts >= entities.MaxVerificationAttempts {
				out = uc.update(e, func(s *entities.QRLoginSession) {
					s.Status = entities.QRError
					s.UpstreamToken = nil
				})
				infrastructure.QRLogins.WithLabelValues("attempts_exhausted").Inc()
				return fmt.Errorf("%w: %w", entities.ErrAttemptsExhausted, err)
			}
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			out = uc.failUpstream(e, err)
			return err
		}
	})
	return out, err
}

// completeLocked stores the authorized session as the tenant's verified
// credential. The tenant lock is held.
func (uc *QRLoginUsecase) completeLocked(ctx context.Context, e *qrEntry, auth interfaces.Authorization) (entities.QRLoginSession, error) {
	now := uc.Now()
	s := uc.snapshot(e)

	cred, err := uc.store.Get(ctx, s.TenantID)
	switch {
	case entities.IsNotFound(err):
		cred = entities.NewCredential(s.TenantID, entities.KindMTProto, uc.cfg.DefaultRPS, uc.cfg.DefaultMaxConcurrent, now)
	case err != nil:
		return s, err
	}

	cred.Kind = entities.KindMTProto
	cred.APIID = e.apiID
	cred.APIHash = e.apiHash
	cred.SessionData = auth.SessionData
	cred.BotToken, cred.BotUsername = "", ""
	if err := cred.Apply(entities.Event{Type: entities.EventVerified}, now); err != nil {
		return uc.failUpstream(e, err), err
	}
	if err := uc.store.Upsert(ctx, cred); err != nil {
		return s, err
	}
	uc.verification.DiscardLocked(s.TenantID)
	uc.pool.EvictLocked(s.TenantID, "relogin")

	s = uc.update(e, func(s *entities.QRLoginSession) {
		s.Status = entities.QRSuccess
		s.ResultingTenantID = s.TenantID
		s.UpstreamToken = nil
	})
	infrastructure.QRLogins.WithLabelValues("success").Inc()
	uc.logger.Info().Str("tenant_id", s.TenantID).Int64("user_id", auth.UserID).Msg("qr login completed")
	return s, nil
}

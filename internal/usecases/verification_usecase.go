package usecases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
)

type VerificationConfig struct {
	TTL                  time.Duration
	DefaultAPIID         int
	DefaultAPIHash       string
	DefaultRPS           float64
	DefaultMaxConcurrent int
}

// CodeSent is returned by setup and resend.
type CodeSent struct {
	PhoneCodeHash string    `json:"phone_code_hash"`
	ExpiresAt     time.Time `json:"expires_at"`
	ExpiresIn     int       `json:"expires_in"`
}

// VerificationUsecase drives the phone-code login. Sessions live in memory
// only, one per tenant, and are checked for expiry on every read.
type VerificationUsecase struct {
	store    interfaces.CredentialStore
	upstream interfaces.AuthUpstream
	bots     interfaces.BotValidator
	arena    *infrastructure.TenantArena
	pool     *ConnectionManager
	cfg      VerificationConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entities.VerificationSession

	Now func() time.Time
}

func NewVerificationUsecase(
	store interfaces.CredentialStore,
	upstream interfaces.AuthUpstream,
	bots interfaces.BotValidator,
	arena *infrastructure.TenantArena,
	pool *ConnectionManager,
	cfg VerificationConfig,
	logger zerolog.Logger,
) *VerificationUsecase {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	uc := &VerificationUsecase{
		store:    store,
		upstream: upstream,
		bots:     bots,
		arena:    arena,
		pool:     pool,
		cfg:      cfg,
		logger:   logger.With().Str("component", "verification").Logger(),
		sessions: make(map[string]*entities.VerificationSession),
		Now:      time.Now,
	}
	pool.OnRemove(uc.DiscardLocked)
	return uc
}

func (uc *VerificationUsecase) session(tenantID string) *entities.VerificationSession {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.sessions[tenantID]
}

func (uc *VerificationUsecase) putSession(s *entities.VerificationSession) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.sessions[s.TenantID] = s
}

// DiscardLocked drops the tenant's pending phone verification, if any. The
// caller must hold the tenant lock.
func (uc *VerificationUsecase) DiscardLocked(tenantID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.sessions, tenantID)
}

// PendingSession returns a copy of the tenant's live session.
func (uc *VerificationUsecase) PendingSession(tenantID string) (entities.VerificationSession, bool) {
	now := uc.Now()
	uc.mu.Lock()
	defer uc.mu.Unlock()
	s := uc.sessions[tenantID]
	if s == nil || s.Expired(now) {
		return entities.VerificationSession{}, false
	}
	return *s, true
}

func (uc *VerificationUsecase) countAttempt(s *entities.VerificationSession) int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	s.AttemptCount++
	return s.AttemptCount
}

// Setup starts a phone-code login with the tenant's own API credentials.
func (uc *VerificationUsecase) Setup(ctx context.Context, in SetupInput) (CodeSent, error) {
	if err := validateInput(in); err != nil {
		return CodeSent{}, err
	}
	var sent CodeSent
	err := uc.arena.WithTenant(in.TenantID, func() error {
		var err error
		sent, err = uc.issueCodeLocked(ctx, in, true)
		return err
	})
	infrastructure.Verifications.WithLabelValues("setup", infrastructure.MetricResult(err)).Inc()
	return sent, err
}

// SetupSimple is Setup with the platform's API id and hash.
func (uc *VerificationUsecase) SetupSimple(ctx context.Context, tenantID, phone string) (CodeSent, error) {
	if uc.cfg.DefaultAPIID == 0 || uc.cfg.DefaultAPIHash == "" {
		return CodeSent{}, fmt.Errorf("platform api credentials are not configured: %w", entities.ErrValidation)
	}
	return uc.Setup(ctx, SetupInput{
		TenantID: tenantID,
		APIID:    uc.cfg.DefaultAPIID,
		APIHash:  uc.cfg.DefaultAPIHash,
		Phone:    phone,
	})
}

// Resend issues a new code to the phone on record, invalidating the previous
// phone_code_hash.
func (uc *VerificationUsecase) Resend(ctx context.Context, tenantID string) (CodeSent, error) {
	if err := validateTenant(tenantID); err != nil {
		return CodeSent{}, err
	}
	var sent CodeSent
	err := uc.arena.WithTenant(tenantID, func() error {
		cred, err := uc.store.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if cred.Phone == "" {
			return fmt.Errorf("tenant %s has no phone on record: %w", tenantID, entities.ErrInvalidTransition)
		}
		sent, err = uc.issueCodeLocked(ctx, SetupInput{
			TenantID: tenantID,
			APIID:    cred.APIID,
			APIHash:  cred.APIHash,
			Phone:    cred.Phone,
		}, false)
		return err
	})
	infrastructure.Verifications.WithLabelValues("resend", infrastructure.MetricResult(err)).Inc()
	return sent, err
}

func (uc *VerificationUsecase) issueCodeLocked(ctx context.Context, in SetupInput, fresh bool) (CodeSent, error) {
	now := uc.Now()
	if s := uc.session(in.TenantID); fresh && s != nil && !s.Expired(now) {
		return CodeSent{}, fmt.Errorf("tenant %s has a live verification session: %w", in.TenantID, entities.ErrAlreadyConfigured)
	}

	cred, err := uc.store.Get(ctx, in.TenantID)
	switch {
	case entities.IsNotFound(err):
		cred = entities.NewCredential(in.TenantID, entities.KindMTProto, uc.cfg.DefaultRPS, uc.cfg.DefaultMaxConcurrent, now)
	case err != nil:
		return CodeSent{}, err
	}

	// Check the transition before spending an upstream call on it.
	probe := *cred
	if err := probe.Apply(entities.Event{Type: entities.EventCodeIssued}, now); err != nil {
		return CodeSent{}, err
	}

	code, err := uc.upstream.SendCode(ctx, interfaces.SendCodeRequest{APIID: in.APIID, APIHash: in.APIHash, Phone: in.Phone})
	if err != nil {
		return CodeSent{}, err
	}

	cred.Kind = entities.KindMTProto
	cred.APIID = in.APIID
	cred.APIHash = in.APIHash
	cred.Phone = in.Phone
	if err := cred.Apply(entities.Event{Type: entities.EventCodeIssued}, now); err != nil {
		return CodeSent{}, err
	}
	if err := uc.store.Upsert(ctx, cred); err != nil {
		return CodeSent{}, err
	}
	uc.pool.EvictLocked(in.TenantID, "reconfigure")

	s := &entities.VerificationSession{
		TenantID:      in.TenantID,
		PhoneCodeHash: code.PhoneCodeHash,
		ExpiresAt:     now.Add(uc.cfg.TTL),
	}
	uc.putSession(s)
	uc.logger.Info().Str("tenant_id", in.TenantID).Time("expires_at", s.ExpiresAt).Msg("verification code sent")

	return CodeSent{
		PhoneCodeHash: s.PhoneCodeHash,
		ExpiresAt:     s.ExpiresAt,
		ExpiresIn:     int(uc.cfg.TTL / time.Second),
	}, nil
}

// Verify completes the phone-code login. A wrong code counts against the
// session; the failure that reaches MaxVerificationAttempts also discards it.
func (uc *VerificationUsecase) Verify(ctx context.Context, in VerifyInput) (*entities.BotCredential, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	var cred *entities.BotCredential
	err := uc.arena.WithTenant(in.TenantID, func() error {
		var err error
		cred, err = uc.verifyLocked(ctx, in)
		return err
	})
	infrastructure.Verifications.WithLabelValues("verify", infrastructure.MetricResult(err)).Inc()
	return cred, err
}

func (uc *VerificationUsecase) verifyLocked(ctx context.Context, in VerifyInput) (*entities.BotCredential, error) {
	now := uc.Now()
	s := uc.session(in.TenantID)
	if s == nil {
		return nil, fmt.Errorf("no verification session for %s: %w", in.TenantID, entities.ErrSessionExpired)
	}
	if s.Expired(now) {
		uc.DiscardLocked(in.TenantID)
		return nil, fmt.Errorf("verification session for %s expired at %s: %w", in.TenantID, s.ExpiresAt.Format(time.RFC3339), entities.ErrSessionExpired)
	}
	if s.PhoneCodeHash != in.PhoneCodeHash {
		return nil, entities.ErrSessionMismatch
	}

	cred, err := uc.store.Get(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	if cred.Status == entities.StatusSuspended {
		return nil, entities.ErrSuspended
	}

	auth, err := uc.upstream.SignIn(ctx, interfaces.SignInRequest{
		APIID:         cred.APIID,
		APIHash:       cred.APIHash,
		Phone:         cred.Phone,
		PhoneCodeHash: s.PhoneCodeHash,
		Code:          in.Code,
		Password:      in.Password,
	})
	switch {
	case err == nil:
	case errors.Is(err, entities.ErrInvalidCode), errors.Is(err, entities.ErrInvalidPassword):
		if attempts := uc.countAttempt(s); attempts >= entities.MaxVerificationAttempts {
			uc.DiscardLocked(in.TenantID)
			uc.logger.Warn().Str("tenant_id", in.TenantID).Int("attempts", attempts).Msg("verification attempts exhausted")
			return nil, fmt.Errorf("%w: %w", entities.ErrAttemptsExhausted, err)
		}
		return nil, err
	case errors.Is(err, entities.ErrSessionExpired):
		uc.DiscardLocked(in.TenantID)
		return nil, err
	default:
		// TwoFactorRequired and transport failures leave the session as it was.
		return nil, err
	}

	cred.SessionData = auth.SessionData
	if err := cred.Apply(entities.Event{Type: entities.EventVerified}, now); err != nil {
		return nil, err
	}
	if err := uc.store.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	uc.DiscardLocked(in.TenantID)
	uc.pool.EvictLocked(in.TenantID, "relogin")

	uc.logger.Info().Str("tenant_id", in.TenantID).Int64("user_id", auth.UserID).Msg("phone verification completed")
	return cred, nil
}

// SetupBotToken stores a bot credential after Telegram has accepted the token.
func (uc *VerificationUsecase) SetupBotToken(ctx context.Context, in BotTokenInput) (*entities.BotCredential, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	var cred *entities.BotCredential
	err := uc.arena.WithTenant(in.TenantID, func() error {
		now := uc.Now()
		var err error
		cred, err = uc.store.Get(ctx, in.TenantID)
		switch {
		case entities.IsNotFound(err):
			cred = entities.NewCredential(in.TenantID, entities.KindBot, uc.cfg.DefaultRPS, uc.cfg.DefaultMaxConcurrent, now)
		case err != nil:
			return err
		case cred.Status == entities.StatusSuspended:
			return entities.ErrSuspended
		}

		username, err := uc.bots.ValidateToken(ctx, in.Token)
		if err != nil {
			return err
		}

		cred.Kind = entities.KindBot
		cred.BotToken = in.Token
		cred.BotUsername = username
		cred.APIID, cred.APIHash, cred.Phone, cred.SessionData = 0, "", "", ""
		if err := cred.Apply(entities.Event{Type: entities.EventVerified}, now); err != nil {
			return err
		}
		if err := uc.store.Upsert(ctx, cred); err != nil {
			return err
		}
		uc.DiscardLocked(in.TenantID)
		uc.pool.EvictLocked(in.TenantID, "reconfigure")
		return nil
	})
	infrastructure.Verifications.WithLabelValues("bot_token", infrastructure.MetricResult(err)).Inc()
	if err != nil {
		return nil, err
	}
	uc.logger.Info().Str("tenant_id", in.TenantID).Str("bot", cred.BotUsername).Msg("bot token saved")
	return cred, nil
}

package usecases

import (
	"context"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tgsession/internal/entities"
	"tgsession/internal/interfaces"
)

func setupInput(tenantID string) SetupInput {
	return SetupInput{TenantID: tenantID, APIID: testAPIID, APIHash: testAPIHash, Phone: testPhone}
}

func (e *testEnv) expectCode(hash string) {
	e.upstream.On("SendCode", mock.Anything, interfaces.SendCodeRequest{APIID: testAPIID, APIHash: testAPIHash, Phone: testPhone}).
		Return(interfaces.SentCode{PhoneCodeHash: hash}, nil).Once()
}

func TestVerificationHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.expectCode("hash-1")

	sent, err := env.verification.Setup(ctx, setupInput("acme"))
	require.NoError(t, err)
	assert.Equal(t, "hash-1", sent.PhoneCodeHash)
	assert.Equal(t, 300, sent.ExpiresIn)

	cred, err := env.store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusPending, cred.Status)
	assert.False(t, cred.Verified)
	assert.Equal(t, testPhone, cred.Phone)

	env.upstream.On("SignIn", mock.Anything, mock.MatchedBy(func(r interfaces.SignInRequest) bool {
		return r.Code == "12345" && r.PhoneCodeHash == "hash-1" && r.Password.IsAbsent()
	})).Return(interfaces.Authorization{SessionData: "session-blob", UserID: 42}, nil).Once()

	cred, err = env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1"})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusActive, cred.Status)
	assert.True(t, cred.Verified)

	stored, err := env.store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "session-blob", stored.SessionData)
	_, pending := env.verification.PendingSession("acme")
	assert.False(t, pending)
	env.upstream.AssertExpectations(t)
}

func TestVerifyAfterTTLExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.expectCode("hash-1")

	_, err := env.verification.Setup(ctx, setupInput("acme"))
	require.NoError(t, err)
	env.clock.Advance(5 * time.Minute)

	_, err = env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1"})
	assert.ErrorIs(t, err, entities.ErrSessionExpired)
	env.upstream.AssertNotCalled(t, "SignIn", mock.Anything, mock.Anything)

	_, err = env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1"})
	assert.ErrorIs(t, err, entities.ErrSessionExpired)
}

func TestVerifyWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.verification.Verify(context.Background(), VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1"})
	assert.ErrorIs(t, err, entities.ErrSessionExpired)
}

func TestResendInvalidatesPreviousHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.expectCode("hash-1")
	env.expectCode("hash-2")

	_, err := env.verification.Setup(ctx, setupInput("acme"))
	require.NoError(t, err)
	sent, err := env.verification.Resend(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", sent.PhoneCodeHash)

	_, err = env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1"})
	assert.ErrorIs(t, err, entities.ErrSessionMismatch)

	env.upstream.On("SignIn", mock.Anything, mock.Anything).Return(interfaces.Authorization{SessionData: "s"}, nil).Once()
	_, err = env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-2"})
	require.NoError(t, err)
}

func TestResendWithoutSetup(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.verification.Resend(context.Background(), "acme")
	assert.ErrorIs(t, err, entities.ErrNotFound)
}

func TestVerifyAttemptCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.expectCode("hash-1")
	env.upstream.On("SignIn", mock.Anything, mock.Anything).Return(interfaces.Authorization{}, entities.ErrInvalidCode)

	_, err := env.verification.Setup(ctx, setupInput("acme"))
	require.NoError(t, err)

	in := VerifyInput{TenantID: "acme", Code: "00000", PhoneCodeHash: "hash-1"}
	for i := 1; i < entities.MaxVerificationAttempts; i++ {
		_, err = env.verification.Verify(ctx, in)
		require.ErrorIs(t, err, entities.ErrInvalidCode)
		require.NotErrorIs(t, err, entities.ErrAttemptsExhausted)
	}

	_, err = env.verification.Verify(ctx, in)
	assert.ErrorIs(t, err, entities.ErrAttemptsExhausted)
	assert.ErrorIs(t, err, entities.ErrInvalidCode)

	_, err = env.verification.Verify(ctx, in)
	assert.ErrorIs(t, err, entities.ErrSessionExpired)
	env.upstream.AssertNumberOfCalls(t, "SignIn", entities.MaxVerificationAttempts)
	assert.Equal(t, entities.StatusPending, env.status(t, "acme"))
}

func TestVerifyTwoFactor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.expectCode("hash-1")
	env.upstream.On("SignIn", mock.Anything, mock.MatchedBy(func(r interfaces.SignInRequest) bool {
		return r.Password.IsAbsent()
	})).Return(interfaces.Authorization{}, entities.ErrTwoFactorRequired).Once()
	env.upstream.On("SignIn", mock.Anything, mock.MatchedBy(func(r interfaces.SignInRequest) bool {
		return r.Password.OrElse("") == "hunter2"
	})).Return(interfaces.Authorization{SessionData: "session-2fa"}, nil).Once()

	_, err := env.verification.Setup(ctx, setupInput("acme"))
	require.NoError(t, err)

	_, err = env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1"})
	assert.ErrorIs(t, err, entities.ErrTwoFactorRequired)
	session, ok := env.verification.PendingSession("acme")
	require.True(t, ok)
	assert.Zero(t, session.AttemptCount)

	cred, err := env.verification.Verify(ctx, VerifyInput{TenantID: "acme", Code: "12345", PhoneCodeHash: "hash-1", Password: mo.Some("hunter2")})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusActive, cred.Status)
}

func TestSetupRejections(t *testing.T) {
	t.Run("active tenant", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedVerified(t, "acme")
		_, err := env.verification.Setup(context.Background(), setupInput("acme"))
		assert.ErrorIs(t, err, entities.ErrAlreadyConfigured)
		env.upstream.AssertNotCalled(t, "SendCode", mock.Anything, mock.Anything)
	})

	t.Run("suspended tenant", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedVerified(t, "acme")
		_, err := env.admin.Suspend(context.Background(), "acme", "fraud")
		require.NoError(t, err)
		_, err = env.verification.Setup(context.Background(), setupInput("acme"))
		assert.ErrorIs(t, err, entities.ErrSuspended)
	})

	t.Run("live session", func(t *testing.T) {
		env := newTestEnv(t)
		env.expectCode("hash-1")
		_, err := env.verification.Setup(context.Background(), setupInput("acme"))
		require.NoError(t, err)
		_, err = env.verification.Setup(context.Background(), setupInput("acme"))
		assert.ErrorIs(t, err, entities.ErrAlreadyConfigured)
	})

	t.Run("malformed input", func(t *testing.T) {
		env := newTestEnv(t)
		in := setupInput("acme")
		in.Phone = "5551234"
		_, err := env.verification.Setup(context.Background(), in)
		assert.ErrorIs(t, err, entities.ErrValidation)

		in = setupInput("acme")
		in.APIHash = "short"
		_, err = env.verification.Setup(context.Background(), in)
		assert.ErrorIs(t, err, entities.ErrValidation)
	})

	t.Run("upstream failure leaves no credential", func(t *testing.T) {
		env := newTestEnv(t)
		env.upstream.On("SendCode", mock.Anything, mock.Anything).Return(interfaces.SentCode{}, entities.ErrUpstreamUnavailable)
		_, err := env.verification.Setup(context.Background(), setupInput("acme"))
		assert.ErrorIs(t, err, entities.ErrUpstreamUnavailable)
		_, err = env.store.Get(context.Background(), "acme")
		assert.ErrorIs(t, err, entities.ErrNotFound)
	})
}

func TestSetupSimpleUsesPlatformCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.expectCode("hash-1")

	sent, err := env.verification.SetupSimple(context.Background(), "acme", testPhone)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", sent.PhoneCodeHash)

	cred, err := env.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, testAPIID, cred.APIID)
}

func TestSetupBotToken(t *testing.T) {
	t.Run("accepted token", func(t *testing.T) {
		env := newTestEnv(t)
		env.bots.On("ValidateToken", mock.Anything, testBotToken).Return("acme_bot", nil).Once()

		cred, err := env.verification.SetupBotToken(context.Background(), BotTokenInput{TenantID: "acme", Token: testBotToken})
		require.NoError(t, err)
		assert.Equal(t, entities.KindBot, cred.Kind)
		assert.Equal(t, entities.StatusActive, cred.Status)
		assert.Equal(t, "acme_bot", cred.BotUsername)
	})

	t.Run("malformed token never reaches telegram", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.verification.SetupBotToken(context.Background(), BotTokenInput{TenantID: "acme", Token: "not-a-token"})
		assert.ErrorIs(t, err, entities.ErrValidation)
		env.bots.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
	})

	t.Run("rejected token stores nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.bots.On("ValidateToken", mock.Anything, testBotToken).Return("", entities.ErrCredentialRejected)
		_, err := env.verification.SetupBotToken(context.Background(), BotTokenInput{TenantID: "acme", Token: testBotToken})
		assert.ErrorIs(t, err, entities.ErrCredentialRejected)
		_, err = env.store.Get(context.Background(), "acme")
		assert.ErrorIs(t, err, entities.ErrNotFound)
	})

	t.Run("replacing the token drops the pooled connection", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedVerified(t, "acme")
		_, err := env.pool.EnsureConnected(context.Background(), "acme")
		require.NoError(t, err)
		env.bots.On("ValidateToken", mock.Anything, testBotToken).Return("acme_v2_bot", nil)

		_, err = env.verification.SetupBotToken(context.Background(), BotTokenInput{TenantID: "acme", Token: testBotToken})
		require.NoError(t, err)
		assert.Zero(t, env.pool.PoolLen())
		assert.True(t, env.dialer.Handles()[0].closed.Load())
	})
}

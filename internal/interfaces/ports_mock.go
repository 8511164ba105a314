package interfaces

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockAuthUpstream struct {
	mock.Mock
}

func (m *MockAuthUpstream) SendCode(ctx context.Context, req SendCodeRequest) (SentCode, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(SentCode), args.Error(1)
}

func (m *MockAuthUpstream) SignIn(ctx context.Context, req SignInRequest) (Authorization, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Authorization), args.Error(1)
}

func (m *MockAuthUpstream) ExportLoginToken(ctx context.Context, apiID int, apiHash string) (QRToken, error) {
	args := m.Called(ctx, apiID, apiHash)
	return args.Get(0).(QRToken), args.Error(1)
}

func (m *MockAuthUpstream) CheckLoginToken(ctx context.Context, token []byte) (QRCheck, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(QRCheck), args.Error(1)
}

func (m *MockAuthUpstream) CheckPassword(ctx context.Context, token []byte, password string) (Authorization, error) {
	args := m.Called(ctx, token, password)
	return args.Get(0).(Authorization), args.Error(1)
}

type MockBotValidator struct {
	mock.Mock
}

func (m *MockBotValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

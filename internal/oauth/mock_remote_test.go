package oauth

import (
	"context"

	"github.com/stretchr/testify/mock"

	"forgeauth/internal/registry"
)

// mockRemoteClient is a testify mock of RemoteClient.
type mockRemoteClient struct {
	mock.Mock
}

func (m *mockRemoteClient) ExchangeCode(ctx context.Context, app *registry.Application, code, redirectURI, codeVerifier string) (*RemoteToken, error) {
	args := m.Called(ctx, app, code, redirectURI, codeVerifier)
	tok, _ := args.Get(0).(*RemoteToken)
	return tok, args.Error(1)
}

func (m *mockRemoteClient) RefreshAccessToken(ctx context.Context, app *registry.Application, refreshToken string) (*RemoteToken, error) {
	args := m.Called(ctx, app, refreshToken)
	tok, _ := args.Get(0).(*RemoteToken)
	return tok, args.Error(1)
}

func (m *mockRemoteClient) FetchUserInfo(ctx context.Context, app *registry.Application, accessToken string) (*UserInfo, error) {
	args := m.Called(ctx, app, accessToken)
	info, _ := args.Get(0).(*UserInfo)
	return info, args.Error(1)
}

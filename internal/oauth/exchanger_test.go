package oauth

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
	"forgeauth/internal/ratelimit"
	"forgeauth/internal/registry"
)

type ExchangerTestSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *clock.Mock
	registry  *registry.Registry
	states    *MemoryStateStore
	refresh   *MemoryRefreshTokenStore
	remote    *mockRemoteClient
	exchanger *Exchanger
	app       *registry.Application
}

func (s *ExchangerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	s.registry = registry.New(registry.NewMemoryStore(), registry.WithClock(s.clock))
	s.states = NewMemoryStateStore(s.clock, nil)
	s.refresh = NewMemoryRefreshTokenStore(s.clock, nil)
	s.remote = &mockRemoteClient{}
	s.exchanger = NewExchanger(ExchangerOptions{
		Applications:  s.registry,
		States:        s.states,
		RefreshTokens: s.refresh,
		Remote:        s.remote,
		Clock:         s.clock,
	})

	app, err := s.registry.Register(s.ctx, registry.RegisterRequest{
		Name:         "app",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  "https://app/callback",
		BaseURL:      "https://gitlab.com",
	})
	s.Require().NoError(err)
	s.app = app
}

func (s *ExchangerTestSuite) TearDownTest() {
	s.remote.AssertExpectations(s.T())
}

func (s *ExchangerTestSuite) start() string {
	res, err := s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: s.app.ID})
	s.Require().NoError(err)
	return res.State
}

func (s *ExchangerTestSuite) TestStartAuthorization_BuildsURL() {
	res, err := s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{
		ApplicationID: s.app.ID,
		ExtraParams:   map[string]string{"prompt": "consent", "client_id": "evil"},
	})
	s.Require().NoError(err)

	u, err := url.Parse(res.URL)
	s.Require().NoError(err)
	s.Equal("gitlab.com", u.Host)
	s.Equal("/oauth/authorize", u.Path)

	q := u.Query()
	s.Equal("client-1", q.Get("client_id"))
	s.Equal("code", q.Get("response_type"))
	s.Equal("https://app/callback", q.Get("redirect_uri"))
	s.Equal("api read_user", q.Get("scope"))
	s.Equal(res.State, q.Get("state"))
	s.Equal("consent", q.Get("prompt"))
	s.Empty(q.Get("code_challenge"))

	s.NotEmpty(res.State)
	s.Equal(s.clock.Now().Add(StateTTL), res.ExpiresAt)
	s.Equal(1, s.states.Len())
}

func (s *ExchangerTestSuite) TestStartAuthorization_CallerState() {
	res, err := s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: s.app.ID, State: "mine"})
	s.Require().NoError(err)
	s.Equal("mine", res.State)

	_, err = s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: s.app.ID, State: "mine"})
	s.Equal(autherr.CodeInvalidRequest, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestStartAuthorization_UnknownOrInactiveApplication() {
	_, err := s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: "missing"})
	s.Equal(autherr.CodeApplicationNotFound, autherr.CodeOf(err))

	_, err = s.registry.Deactivate(s.ctx, s.app.ID)
	s.Require().NoError(err)
	_, err = s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: s.app.ID})
	s.Equal(autherr.CodeApplicationInactive, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestStartAuthorization_PKCE() {
	s.exchanger.usePKCE = true
	res, err := s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: s.app.ID})
	s.Require().NoError(err)

	u, _ := url.Parse(res.URL)
	s.Equal("S256", u.Query().Get("code_challenge_method"))
	s.NotEmpty(u.Query().Get("code_challenge"))

	st, err := s.states.Consume(s.ctx, res.State)
	s.Require().NoError(err)
	s.NotEmpty(st.CodeVerifier)
}

func (s *ExchangerTestSuite) TestExchangeCode_Success() {
	state := s.start()
	s.remote.On("ExchangeCode", mock.Anything, mock.Anything, "c1", "https://app/callback", "").
		Return(&RemoteToken{AccessToken: "T1", TokenType: "Bearer", ExpiresIn: time.Hour, RefreshToken: "R1"}, nil).
		Once()

	pair, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{
		Code:          "c1",
		ApplicationID: s.app.ID,
		State:         state,
		RedirectURI:   "https://app/callback",
	})
	s.Require().NoError(err)

	s.Equal("T1", pair.AccessToken.Token.Value())
	s.Require().NotNil(pair.RefreshToken)
	s.Equal("R1", pair.RefreshToken.Token.Value())
	s.Equal(pair.RefreshToken.ID, pair.AccessToken.RefreshTokenID)
	s.Equal(s.clock.Now().Add(time.Hour), pair.AccessToken.ExpiresAt)
	s.Equal([]string{"api", "read_user"}, pair.AccessToken.Scopes)
	s.True(pair.AccessToken.IsValid)
	s.Equal(s.app.ID, pair.ApplicationID)

	stored, err := s.refresh.Get(s.ctx, pair.RefreshToken.ID)
	s.Require().NoError(err)
	s.Equal(s.app.ID, stored.ApplicationID)
	s.Equal(s.clock.Now().Add(DefaultRefreshTokenTTL), stored.ExpiresAt)
}

func (s *ExchangerTestSuite) TestExchangeCode_StateSingleUse() {
	state := s.start()
	s.remote.On("ExchangeCode", mock.Anything, mock.Anything, "c1", "https://app/callback", "").
		Return(&RemoteToken{AccessToken: "T1", ExpiresIn: time.Hour}, nil).
		Once()

	req := ExchangeRequest{Code: "c1", ApplicationID: s.app.ID, State: state, RedirectURI: "https://app/callback"}
	_, err := s.exchanger.ExchangeCode(s.ctx, req)
	s.Require().NoError(err)

	_, err = s.exchanger.ExchangeCode(s.ctx, req)
	s.Equal(autherr.CodeStateMismatch, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestExchangeCode_ExpiredState() {
	state := s.start()
	s.clock.Advance(StateTTL + time.Second)

	_, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{Code: "c1", ApplicationID: s.app.ID, State: state, RedirectURI: "https://app/callback"})
	s.Equal(autherr.CodeStateMismatch, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestExchangeCode_RedirectMismatch() {
	state := s.start()

	_, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{Code: "c1", ApplicationID: s.app.ID, State: state, RedirectURI: "https://app/callback/"})
	s.Equal(autherr.CodeInvalidRedirectURI, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestExchangeCode_ApplicationMismatch() {
	state := s.start()

	_, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{Code: "c1", ApplicationID: "other", State: state, RedirectURI: "https://app/callback"})
	s.Equal(autherr.CodeStateMismatch, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestExchangeCode_DefaultsFromState() {
	res, err := s.exchanger.StartAuthorization(s.ctx, AuthorizationRequest{ApplicationID: s.app.ID, ClientSessionID: "conn-1"})
	s.Require().NoError(err)
	s.remote.On("ExchangeCode", mock.Anything, mock.Anything, "c1", "https://app/callback", "").
		Return(&RemoteToken{AccessToken: "T1", ExpiresIn: time.Hour}, nil).
		Once()

	pair, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{Code: "c1", State: res.State})
	s.Require().NoError(err)
	s.Equal("conn-1", pair.ClientSessionID)
	s.Nil(pair.RefreshToken)
	s.Empty(pair.AccessToken.RefreshTokenID)
}

func (s *ExchangerTestSuite) TestExchangeCode_TransportFailureIsNetworkError() {
	state := s.start()
	s.remote.On("ExchangeCode", mock.Anything, mock.Anything, "c1", "https://app/callback", "").
		Return(nil, errors.New("connection reset by peer")).
		Once()

	_, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{Code: "c1", ApplicationID: s.app.ID, State: state, RedirectURI: "https://app/callback"})
	authErr, ok := autherr.As(err)
	s.Require().True(ok)
	s.Equal(autherr.CodeNetworkError, authErr.Code)
	s.True(authErr.Recoverable)
}

func (s *ExchangerTestSuite) TestExchangeCode_MissingCode() {
	_, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{State: "x"})
	s.Equal(autherr.CodeInvalidRequest, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) exchange() *TokenPair {
	state := s.start()
	s.remote.On("ExchangeCode", mock.Anything, mock.Anything, "c1", "https://app/callback", "").
		Return(&RemoteToken{AccessToken: "T1", ExpiresIn: time.Hour, RefreshToken: "R1"}, nil).
		Once()
	pair, err := s.exchanger.ExchangeCode(s.ctx, ExchangeRequest{Code: "c1", State: state})
	s.Require().NoError(err)
	return pair
}

func (s *ExchangerTestSuite) TestRefreshToken_Success() {
	pair := s.exchange()
	s.clock.Advance(30 * time.Minute)
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R1").
		Return(&RemoteToken{AccessToken: "T2", ExpiresIn: time.Hour}, nil).
		Once()

	at, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Require().NoError(err)
	s.Equal("T2", at.Token.Value())
	s.Equal(pair.RefreshToken.ID, at.RefreshTokenID)
	s.Equal(s.clock.Now().Add(time.Hour), at.ExpiresAt)

	stored, err := s.refresh.Get(s.ctx, pair.RefreshToken.ID)
	s.Require().NoError(err)
	s.Equal("R1", stored.Token.Value())
	s.Equal(s.clock.Now(), stored.LastUsed)
}

func (s *ExchangerTestSuite) TestRefreshToken_Rotation() {
	pair := s.exchange()
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R1").
		Return(&RemoteToken{AccessToken: "T2", ExpiresIn: time.Hour, RefreshToken: "R2"}, nil).
		Once()
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R2").
		Return(&RemoteToken{AccessToken: "T3", ExpiresIn: time.Hour}, nil).
		Once()

	_, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Require().NoError(err)
	at, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Require().NoError(err)
	s.Equal("T3", at.Token.Value())
}

func (s *ExchangerTestSuite) TestRefreshToken_NotFound() {
	_, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, "missing")
	s.Equal(autherr.CodeTokenInvalid, autherr.CodeOf(err))

	_, err = s.exchanger.RefreshToken(s.ctx, s.app.ID, "")
	s.Equal(autherr.CodeTokenInvalid, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestRefreshToken_ExpiredOrRevokedIsTerminal() {
	pair := s.exchange()

	s.Require().NoError(s.exchanger.RevokeRefreshToken(s.ctx, pair.RefreshToken.ID))
	_, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	authErr, ok := autherr.As(err)
	s.Require().True(ok)
	s.Equal(autherr.CodeTokenExpired, authErr.Code)
	s.False(authErr.Recoverable)
	s.Equal("revoked", authErr.Details["reason"])

	other := s.exchange()
	s.clock.Advance(DefaultRefreshTokenTTL)
	_, err = s.exchanger.RefreshToken(s.ctx, s.app.ID, other.RefreshToken.ID)
	s.Equal(autherr.CodeTokenExpired, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestRefreshToken_RevokedDuringRemoteCall() {
	pair := s.exchange()
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R1").
		Run(func(mock.Arguments) {
			s.Require().NoError(s.exchanger.RevokeRefreshToken(s.ctx, pair.RefreshToken.ID))
		}).
		Return(&RemoteToken{AccessToken: "T2", ExpiresIn: time.Hour}, nil).
		Once()

	at, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Nil(at)
	authErr, ok := autherr.As(err)
	s.Require().True(ok)
	s.Equal(autherr.CodeTokenExpired, authErr.Code)
	s.False(authErr.Recoverable)
	s.Equal("revoked", authErr.Details["reason"])

	// Nothing further reaches the host.
	_, err = s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Equal(autherr.CodeTokenExpired, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestRefreshToken_InvalidGrantInvalidates() {
	pair := s.exchange()
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R1").
		Return(nil, autherr.New(autherr.CodeInvalidGrant, "invalid grant")).
		Once()

	_, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Equal(autherr.CodeInvalidGrant, autherr.CodeOf(err))

	stored, err := s.refresh.Get(s.ctx, pair.RefreshToken.ID)
	s.Require().NoError(err)
	s.False(stored.IsValid)

	// No second remote call: the record is terminal now.
	_, err = s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	s.Equal(autherr.CodeTokenExpired, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestRefreshToken_WrongApplication() {
	pair := s.exchange()
	other, err := s.registry.Register(s.ctx, registry.RegisterRequest{
		Name:        "other",
		RedirectURI: "https://other/callback",
		BaseURL:     "https://gitlab.com",
	})
	s.Require().NoError(err)

	_, err = s.exchanger.RefreshToken(s.ctx, other.ID, pair.RefreshToken.ID)
	s.Equal(autherr.CodeTokenInvalid, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestRefreshToken_TimeoutIsRecoverable() {
	pair := s.exchange()
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R1").
		Return(nil, context.DeadlineExceeded).
		Once()

	_, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
	authErr, ok := autherr.As(err)
	s.Require().True(ok)
	s.Equal(autherr.CodeTimeoutError, authErr.Code)
	s.True(authErr.Recoverable)

	stored, err := s.refresh.Get(s.ctx, pair.RefreshToken.ID)
	s.Require().NoError(err)
	s.True(stored.IsValid, "transient failures keep the refresh token")
}

func (s *ExchangerTestSuite) TestRefreshToken_ConcurrentCallsShareOneRemoteRequest() {
	pair := s.exchange()
	release := make(chan struct{})
	s.remote.On("RefreshAccessToken", mock.Anything, mock.Anything, "R1").
		Run(func(mock.Arguments) { <-release }).
		Return(&RemoteToken{AccessToken: "T2", ExpiresIn: time.Hour}, nil).
		Once()

	var wg sync.WaitGroup
	results := make([]*AccessToken, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at, err := s.exchanger.RefreshToken(s.ctx, s.app.ID, pair.RefreshToken.ID)
			assert.NoError(s.T(), err)
			results[i] = at
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, at := range results {
		s.Require().NotNil(at)
		s.Equal("T2", at.Token.Value())
	}
}

func (s *ExchangerTestSuite) TestFetchUserInfo() {
	pair := s.exchange()
	s.remote.On("FetchUserInfo", mock.Anything, mock.Anything, "T1").
		Return(&UserInfo{ID: "42", Username: "jdoe"}, nil).
		Once()

	info, err := s.exchanger.FetchUserInfo(s.ctx, s.app.ID, pair.AccessToken)
	s.Require().NoError(err)
	s.Equal("jdoe", info.Username)

	_, err = s.exchanger.FetchUserInfo(s.ctx, s.app.ID, nil)
	s.Equal(autherr.CodeTokenMissing, autherr.CodeOf(err))
}

func (s *ExchangerTestSuite) TestSweepExpired() {
	s.start()
	s.exchange()
	s.clock.Advance(DefaultRefreshTokenTTL)

	n, err := s.exchanger.SweepExpired(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(0, s.refresh.Count())
}

func TestExchangerTestSuite(t *testing.T) {
	suite.Run(t, new(ExchangerTestSuite))
}

type denyAll struct{}

func (denyAll) Check(context.Context, string) ratelimit.Result {
	return ratelimit.Result{Allowed: false}
}

func TestExchanger_RateLimited(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.NewMemoryStore())
	app, err := reg.Register(ctx, registry.RegisterRequest{Name: "a", RedirectURI: "https://app/cb", BaseURL: "https://gitlab.com"})
	require.NoError(t, err)

	e := NewExchanger(ExchangerOptions{
		Applications:  reg,
		States:        NewMemoryStateStore(nil, nil),
		RefreshTokens: NewMemoryRefreshTokenStore(nil, nil),
		Remote:        &mockRemoteClient{},
		Limiter:       denyAll{},
	})

	_, err = e.StartAuthorization(ctx, AuthorizationRequest{ApplicationID: app.ID})
	authErr, ok := autherr.As(err)
	require.True(t, ok)
	assert.Equal(t, autherr.CodeRateLimited, authErr.Code)
	assert.True(t, authErr.Recoverable)
}

func TestExchanger_StartStop(t *testing.T) {
	e := NewExchanger(ExchangerOptions{
		States:        NewMemoryStateStore(nil, nil),
		RefreshTokens: NewMemoryRefreshTokenStore(nil, nil),
		SweepInterval: time.Millisecond,
	})
	e.Stop()
	e.Start()
	time.Sleep(5 * time.Millisecond)
	e.Stop()
	e.Stop()
}

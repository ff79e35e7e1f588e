package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"forgeauth/internal/autherr"
	"forgeauth/internal/registry"
	"forgeauth/pkg/logging"
)

// DefaultRemoteTimeout bounds a single call to the Git host.
const DefaultRemoteTimeout = 30 * time.Second

// maxUserInfoBytes caps the user info response body.
const maxUserInfoBytes = 1 << 20

// RemoteClient talks to the Git host's OAuth and user endpoints. Every error
// it returns is an *autherr.Error.
type RemoteClient interface {
	ExchangeCode(ctx context.Context, app *registry.Application, code, redirectURI, codeVerifier string) (*RemoteToken, error)
	RefreshAccessToken(ctx context.Context, app *registry.Application, refreshToken string) (*RemoteToken, error)
	FetchUserInfo(ctx context.Context, app *registry.Application, accessToken string) (*UserInfo, error)
}

// OAuth2ClientOptions configures an OAuth2Client.
type OAuth2ClientOptions struct {
	// HTTPClient is used for all requests. Default: a client without timeout,
	// since Timeout bounds each call through its context.
	HTTPClient *http.Client

	// Timeout bounds each remote call. Default: DefaultRemoteTimeout.
	Timeout time.Duration

	Logger *logging.Logger
}

// OAuth2Client implements RemoteClient with golang.org/x/oauth2.
type OAuth2Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *logging.Logger
}

var _ RemoteClient = (*OAuth2Client)(nil)

// NewOAuth2Client creates a client.
func NewOAuth2Client(opts OAuth2ClientOptions) *OAuth2Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &OAuth2Client{
		httpClient: httpClient,
		timeout:    timeout,
		logger:     opts.Logger,
	}
}

// oauth2Config builds the x/oauth2 configuration for app. Credentials are
// sent in the request body, which every Git host edition accepts.
func oauth2Config(app *registry.Application, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret.Value(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   app.AuthorizeURL(),
			TokenURL:  app.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      app.Scopes,
	}
}

func (c *OAuth2Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

func (c *OAuth2Client) ExchangeCode(ctx context.Context, app *registry.Application, code, redirectURI, codeVerifier string) (*RemoteToken, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := oauth2Config(app, redirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		c.logger.Debug("OAuth", "Token exchange failed for application %s: %v", app.ID, describeRemoteError(err))
		return nil, classifyRemoteError(ctx, err, "token exchange")
	}

	c.logger.Debug("OAuth", "Exchanged code for application %s (expires_in=%d)", app.ID, tok.ExpiresIn)
	return remoteTokenFrom(tok), nil
}

func (c *OAuth2Client) RefreshAccessToken(ctx context.Context, app *registry.Application, refreshToken string) (*RemoteToken, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	// An empty access token forces the source to refresh.
	src := oauth2Config(app, app.RedirectURI).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		c.logger.Debug("OAuth", "Token refresh failed for application %s: %v", app.ID, describeRemoteError(err))
		return nil, classifyRemoteError(ctx, err, "token refresh")
	}

	rt := remoteTokenFrom(tok)
	if rt.RefreshToken == refreshToken {
		// The token source carries the old refresh token forward when the
		// host does not rotate it.
		rt.RefreshToken = ""
	}
	c.logger.Debug("OAuth", "Refreshed token for application %s (rotated=%t)", app.ID, rt.RefreshToken != "")
	return rt, nil
}

// FetchUserInfo reads <baseURL>/api/v4/user with the access token.
func (c *OAuth2Client) FetchUserInfo(ctx context.Context, app *registry.Application, accessToken string) (*UserInfo, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(app.BaseURL, "/")+"/api/v4/user", nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to build user info request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyRemoteError(ctx, err, "user info request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, classifyRemoteError(ctx, err, "user info request")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, autherr.New(autherr.CodeTokenInvalid, "access token rejected by user endpoint").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, autherr.New(autherr.CodeRateLimited, "user endpoint rate limited").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, autherr.New(autherr.CodeNetworkError, "user endpoint unavailable").
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, autherr.Newf(autherr.CodeInvalidRequest, "user endpoint returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return nil, autherr.New(autherr.CodeInternal, "user endpoint returned invalid JSON")
	}
	result := gjson.ParseBytes(body)
	info := &UserInfo{
		ID:       result.Get("id").String(),
		Username: result.Get("username").String(),
		Name:     result.Get("name").String(),
		Email:    result.Get("email").String(),
	}
	if info.ID == "" {
		return nil, autherr.New(autherr.CodeInternal, "user endpoint response has no id")
	}
	return info, nil
}

func remoteTokenFrom(tok *oauth2.Token) *RemoteToken {
	rt := &RemoteToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Scopes:       strings.Fields(extraString(tok, "scope")),
		UserID:       extraString(tok, "user_id"),
	}
	switch {
	case tok.ExpiresIn > 0:
		rt.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		rt.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	return rt
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// classifyRemoteError maps a failed remote call onto an error code. The host's
// response body is never copied into the error.
func classifyRemoteError(ctx context.Context, err error, op string) *autherr.Error {
	if e, ok := autherr.As(err); ok {
		return e
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}

		var e *autherr.Error
		switch {
		case rErr.ErrorCode == "invalid_grant":
			e = autherr.Newf(autherr.CodeInvalidGrant, "%s rejected: invalid grant", op)
		case rErr.ErrorCode == "unauthorized_client" || rErr.ErrorCode == "invalid_client" || status == http.StatusUnauthorized:
			e = autherr.Newf(autherr.CodeUnauthorizedClient, "%s rejected: client not authorized", op)
		case status == http.StatusTooManyRequests:
			e = autherr.Newf(autherr.CodeRateLimited, "%s rate limited by host", op)
		case status >= 500:
			e = autherr.Newf(autherr.CodeNetworkError, "%s failed: host returned status %d", op, status)
		default:
			e = autherr.Newf(autherr.CodeInvalidRequest, "%s rejected with status %d", op, status)
		}
		e.WithDetail("status", status)
		if rErr.ErrorCode != "" {
			e.WithDetail("oauth_error", rErr.ErrorCode)
		}
		return e
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return autherr.Wrap(autherr.CodeTimeoutError, err, op+" timed out")
	case errors.As(err, &netErr) && netErr.Timeout():
		return autherr.Wrap(autherr.CodeTimeoutError, err, op+" timed out")
	case isConnectionError(err):
		return autherr.Wrap(autherr.CodeConnectionError, err, op+" could not connect to host")
	default:
		return autherr.Wrap(autherr.CodeNetworkError, err, op+" failed")
	}
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// describeRemoteError renders err for debug logs without the response body.
func describeRemoteError(err error) string {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return fmt.Sprintf("status=%d error=%q", status, rErr.ErrorCode)
	}
	return err.Error()
}

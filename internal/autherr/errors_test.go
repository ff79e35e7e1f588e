package autherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_KindAndRecoverable(t *testing.T) {
	tests := []struct {
		code        Code
		kind        Kind
		recoverable bool
	}{
		{CodeInvalidRequest, KindConfiguration, false},
		{CodeApplicationInactive, KindConfiguration, false},
		{CodeStateMismatch, KindSecurity, false},
		{CodeCSRFTokenMismatch, KindSecurity, false},
		{CodeTokenExpired, KindToken, true},
		{CodeTokenRevoked, KindToken, false},
		{CodeSessionNotFound, KindSession, false},
		{CodeInvalidGrant, KindGrant, false},
		{CodeNetworkError, KindTransport, true},
		{CodeTimeoutError, KindTransport, true},
		{CodeRateLimited, KindTransport, true},
		{CodeInternal, KindInternal, false},
		{Code("SOMETHING_ELSE"), KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.code.Kind())
			assert.Equal(t, tt.recoverable, tt.code.Recoverable())
			assert.Equal(t, tt.recoverable, New(tt.code, "x").Recoverable)
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("lookup: %w", New(CodeSessionNotFound, "session abc not found"))

	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.False(t, errors.Is(err, ErrSessionExpired))
	assert.Equal(t, CodeSessionNotFound, CodeOf(err))
}

func TestWrapAndFrom(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(CodeNetworkError, cause, "token endpoint unreachable")

	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "NETWORK_ERROR")

	internal := From(errors.New("boom"))
	require.NotNil(t, internal)
	assert.Equal(t, CodeInternal, internal.Code)
	assert.Nil(t, From(nil))
	assert.Same(t, wrapped, From(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, New(CodeTimeoutError, "x").UserMessage(), "retry")
	assert.Contains(t, New(CodeStateMismatch, "x").UserMessage(), "re-authenticate")
}

func TestDetailsNeverCarrySecrets(t *testing.T) {
	e := New(CodeInvalidGrant, "grant rejected").
		WithDetail("application_id", "app-1").
		WithDetail("client_secret", "s3cr3t").
		WithDetail("access_token", "tok")

	assert.Equal(t, map[string]any{"application_id": "app-1"}, e.Details)

	scrubbed := ScrubDetails(map[string]any{"refresh_token": "r", "status": 400})
	assert.Equal(t, map[string]any{"status": 400}, scrubbed)
	assert.Nil(t, ScrubDetails(nil))
}

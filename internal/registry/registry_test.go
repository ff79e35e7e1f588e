package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(NewMemoryStore(), WithClock(clk)), clk
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Name:         "ci-dashboard",
		ClientID:     "client-123",
		ClientSecret: "s3cr3t",
		RedirectURI:  "https://dashboard.example.com/callback",
		BaseURL:      "https://gitlab.com",
	}
}

func TestRegistry_RegisterThenGet(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	app, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, app.ID)
	assert.True(t, app.IsActive)
	assert.Equal(t, InstanceCloud, app.InstanceType)
	assert.Equal(t, DefaultScopes, app.Scopes)
	assert.Equal(t, clk.Now(), app.CreatedAt)

	got, err := reg.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, "https://dashboard.example.com/callback", got.RedirectURI)
	assert.Equal(t, "s3cr3t", got.ClientSecret.Value())
	assert.Equal(t, "https://gitlab.com/oauth/authorize", got.AuthorizeURL())
	assert.Equal(t, "https://gitlab.com/oauth/token", got.TokenURL())
}

func TestRegistry_RegisterGeneratesCredentials(t *testing.T) {
	reg, _ := newTestRegistry(t)

	req := validRequest()
	req.ClientID = ""
	req.ClientSecret = ""
	req.BaseURL = "https://git.internal.example.com/"

	app, err := reg.Register(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, app.ClientID, 2*clientIDBytes)
	assert.GreaterOrEqual(t, len(app.ClientSecret.Value()), 43)
	assert.Equal(t, InstanceSelfHosted, app.InstanceType)
	assert.Equal(t, "https://git.internal.example.com", app.BaseURL)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegisterRequest)
	}{
		{"missing name", func(r *RegisterRequest) { r.Name = "  " }},
		{"relative redirect", func(r *RegisterRequest) { r.RedirectURI = "/callback" }},
		{"garbage redirect", func(r *RegisterRequest) { r.RedirectURI = "not a url" }},
		{"missing base url", func(r *RegisterRequest) { r.BaseURL = "" }},
		{"unknown instance type", func(r *RegisterRequest) { r.InstanceType = "on-prem" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			req := validRequest()
			tt.mutate(&req)

			_, err := reg.Register(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, autherr.CodeInvalidRequest, autherr.CodeOf(err))
		})
	}
}

func TestRegistry_RegisterDuplicateClientID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	_, err = reg.Register(ctx, validRequest())
	assert.Equal(t, autherr.CodeInvalidRequest, autherr.CodeOf(err))
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, autherr.ErrApplicationNotFound))
}

func TestRegistry_DeactivateAndReactivate(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	app, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	clk.Advance(time.Minute)
	deactivated, err := reg.Deactivate(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.Equal(t, clk.Now(), deactivated.UpdatedAt)

	_, err = reg.Get(ctx, app.ID)
	assert.True(t, errors.Is(err, autherr.ErrApplicationInactive))

	found, err := reg.Find(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, found.IsActive)

	active := true
	_, err = reg.Update(ctx, app.ID, ApplicationUpdate{IsActive: &active})
	require.NoError(t, err)

	_, err = reg.Get(ctx, app.ID)
	assert.NoError(t, err)
}

func TestRegistry_Update(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	app, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	base := "https://gitlab.example.org"
	redirect := "https://dashboard.example.com/oauth/callback"
	updated, err := reg.Update(ctx, app.ID, ApplicationUpdate{
		BaseURL:     &base,
		RedirectURI: &redirect,
		Scopes:      []string{"read_api"},
	})
	require.NoError(t, err)
	assert.Equal(t, InstanceSelfHosted, updated.InstanceType)
	assert.Equal(t, redirect, updated.RedirectURI)
	assert.Equal(t, []string{"read_api"}, updated.Scopes)
	assert.Equal(t, "s3cr3t", updated.ClientSecret.Value())

	bad := "relative/path"
	_, err = reg.Update(ctx, app.ID, ApplicationUpdate{RedirectURI: &bad})
	assert.Equal(t, autherr.CodeInvalidRequest, autherr.CodeOf(err))

	_, err = reg.Update(ctx, "missing", ApplicationUpdate{RedirectURI: &redirect})
	assert.Equal(t, autherr.CodeApplicationNotFound, autherr.CodeOf(err))
}

func TestRegistry_ReturnedApplicationIsACopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	app, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	app.RedirectURI = "https://evil.example.com"
	app.Scopes[0] = "sudo"

	got, err := reg.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://dashboard.example.com/callback", got.RedirectURI)
	assert.Equal(t, "api", got.Scopes[0])
}

func TestRegistry_List(t *testing.T) {
	reg, clk := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	clk.Advance(time.Second)
	req := validRequest()
	req.Name = "release-bot"
	req.ClientID = "client-456"
	second, err := reg.Register(ctx, req)
	require.NoError(t, err)

	apps, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, first.ID, apps[0].ID)
	assert.Equal(t, second.ID, apps[1].ID)
}

func TestRegistry_SyncSeeds(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	seed := validRequest()
	require.NoError(t, reg.SyncSeeds(ctx, []RegisterRequest{seed}))

	apps, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	id := apps[0].ID

	seed.RedirectURI = "https://dashboard.example.com/v2/callback"
	seed.ClientSecret = "rotated"
	require.NoError(t, reg.SyncSeeds(ctx, []RegisterRequest{seed}))

	apps, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, id, apps[0].ID)
	assert.Equal(t, "https://dashboard.example.com/v2/callback", apps[0].RedirectURI)
	assert.Equal(t, "rotated", apps[0].ClientSecret.Value())

	err = reg.SyncSeeds(ctx, []RegisterRequest{{Name: "no-client"}})
	assert.Error(t, err)
}

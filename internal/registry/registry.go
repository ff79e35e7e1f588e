// Package registry stores the OAuth client credentials and metadata of every
// application allowed to authenticate users against the Git host.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
	"forgeauth/pkg/logging"
	"forgeauth/pkg/redact"
)

const (
	// clientIDBytes is the entropy of generated client IDs.
	clientIDBytes = 16

	// clientSecretBytes is the entropy of generated client secrets (256 bits).
	clientSecretBytes = 32
)

// Registry is the Application Registry. It validates registrations and
// enforces the active/inactive lifecycle on top of a Store.
type Registry struct {
	store  Store
	clock  clock.Clock
	logger *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry on top of store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  clock.Real{},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates req and stores a new active application.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Application, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		generated, err := randomHex(clientIDBytes)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to generate client ID")
		}
		clientID = generated
	}

	secret := req.ClientSecret
	if secret == "" {
		generated, err := randomSecret(clientSecretBytes)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to generate client secret")
		}
		secret = generated
	}

	instance := req.InstanceType
	if instance == "" {
		instance = classifyInstance(req.BaseURL)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	now := r.clock.Now()
	app := &Application{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		ClientID:     clientID,
		ClientSecret: redact.New(secret),
		RedirectURI:  req.RedirectURI,
		BaseURL:      strings.TrimSuffix(req.BaseURL, "/"),
		InstanceType: instance,
		Scopes:       append([]string(nil), scopes...),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.Create(ctx, app); err != nil {
		if errors.Is(err, ErrDuplicateClientID) {
			return nil, autherr.Newf(autherr.CodeInvalidRequest, "client ID %s is already registered", clientID)
		}
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to store application")
	}

	r.logger.Info("Registry", "Registered application %s (%s, %s)", app.ID, app.Name, app.InstanceType)
	return app.Clone(), nil
}

// Get returns an active application.
func (r *Registry) Get(ctx context.Context, id string) (*Application, error) {
	app, err := r.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, autherr.Newf(autherr.CodeApplicationInactive, "application %s is inactive", id)
	}
	return app, nil
}

// Find returns an application regardless of its active flag.
func (r *Registry) Find(ctx context.Context, id string) (*Application, error) {
	app, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, autherr.Newf(autherr.CodeApplicationNotFound, "application %s not found", id)
		}
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to load application")
	}
	return app, nil
}

// Update applies a partial update. Inactive applications can be updated,
// which is how they are reactivated.
func (r *Registry) Update(ctx context.Context, id string, update ApplicationUpdate) (*Application, error) {
	if err := validateUpdate(update); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	app, err := r.store.Update(ctx, id, func(app *Application) error {
		applyUpdate(app, update)
		app.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, autherr.Newf(autherr.CodeApplicationNotFound, "application %s not found", id)
		}
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to update application")
	}

	r.logger.Info("Registry", "Updated application %s (active=%t)", app.ID, app.IsActive)
	return app, nil
}

// Deactivate marks the application inactive.
func (r *Registry) Deactivate(ctx context.Context, id string) (*Application, error) {
	inactive := false
	return r.Update(ctx, id, ApplicationUpdate{IsActive: &inactive})
}

// List returns all applications ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*Application, error) {
	apps, err := r.store.List(ctx)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to list applications")
	}
	return apps, nil
}

// SyncSeeds upserts applications declared in configuration, matching on
// client ID. Seeds must carry the client ID issued by the Git host.
func (r *Registry) SyncSeeds(ctx context.Context, seeds []RegisterRequest) error {
	var errs []error
	for _, seed := range seeds {
		if strings.TrimSpace(seed.ClientID) == "" {
			errs = append(errs, autherr.Newf(autherr.CodeInvalidRequest, "seed %q has no client ID", seed.Name))
			continue
		}

		existing, err := r.store.FindByClientID(ctx, seed.ClientID)
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := r.Register(ctx, seed); err != nil {
				errs = append(errs, fmt.Errorf("seed %q: %w", seed.Name, err))
			}
		case err != nil:
			errs = append(errs, fmt.Errorf("seed %q: %w", seed.Name, err))
		default:
			update := ApplicationUpdate{
				Name:        &seed.Name,
				Description: &seed.Description,
				RedirectURI: &seed.RedirectURI,
				BaseURL:     &seed.BaseURL,
				Scopes:      seed.Scopes,
			}
			if seed.ClientSecret != "" {
				update.ClientSecret = &seed.ClientSecret
			}
			if seed.InstanceType != "" {
				update.InstanceType = &seed.InstanceType
			}
			if _, err := r.Update(ctx, existing.ID, update); err != nil {
				errs = append(errs, fmt.Errorf("seed %q: %w", seed.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validateRegistration(req RegisterRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return autherr.New(autherr.CodeInvalidRequest, "application name is required")
	}
	if !isAbsoluteURL(req.RedirectURI) {
		return autherr.Newf(autherr.CodeInvalidRequest, "redirect URI %q is not a valid absolute URL", req.RedirectURI)
	}
	if !isAbsoluteURL(req.BaseURL) {
		return autherr.Newf(autherr.CodeInvalidRequest, "base URL %q is not a valid absolute URL", req.BaseURL)
	}
	if err := validateInstanceType(req.InstanceType); err != nil {
		return err
	}
	return nil
}

func validateUpdate(update ApplicationUpdate) error {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return autherr.New(autherr.CodeInvalidRequest, "application name is required")
	}
	if update.RedirectURI != nil && !isAbsoluteURL(*update.RedirectURI) {
		return autherr.Newf(autherr.CodeInvalidRequest, "redirect URI %q is not a valid absolute URL", *update.RedirectURI)
	}
	if update.BaseURL != nil && !isAbsoluteURL(*update.BaseURL) {
		return autherr.Newf(autherr.CodeInvalidRequest, "base URL %q is not a valid absolute URL", *update.BaseURL)
	}
	if update.InstanceType != nil {
		return validateInstanceType(*update.InstanceType)
	}
	return nil
}

func validateInstanceType(t InstanceType) error {
	switch t {
	case "", InstanceCloud, InstanceSelfHosted:
		return nil
	default:
		return autherr.Newf(autherr.CodeInvalidRequest, "unknown instance type %q", t)
	}
}

func applyUpdate(app *Application, update ApplicationUpdate) {
	if update.Name != nil {
		app.Name = strings.TrimSpace(*update.Name)
	}
	if update.Description != nil {
		app.Description = *update.Description
	}
	if update.ClientSecret != nil && *update.ClientSecret != "" {
		app.ClientSecret = redact.New(*update.ClientSecret)
	}
	if update.RedirectURI != nil {
		app.RedirectURI = *update.RedirectURI
	}
	if update.BaseURL != nil {
		app.BaseURL = strings.TrimSuffix(*update.BaseURL, "/")
		if update.InstanceType == nil {
			app.InstanceType = classifyInstance(app.BaseURL)
		}
	}
	if update.InstanceType != nil && *update.InstanceType != "" {
		app.InstanceType = *update.InstanceType
	}
	if update.Scopes != nil {
		app.Scopes = append([]string(nil), update.Scopes...)
	}
	if update.IsActive != nil {
		app.IsActive = *update.IsActive
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

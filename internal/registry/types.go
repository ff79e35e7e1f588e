package registry

import (
	"net/url"
	"strings"
	"time"

	"forgeauth/pkg/redact"
)

// InstanceType classifies the Git host an application talks to.
type InstanceType string

const (
	InstanceCloud      InstanceType = "cloud"
	InstanceSelfHosted InstanceType = "self-hosted"
)

// cloudHost is the host name of the managed Git service.
const cloudHost = "gitlab.com"

// DefaultScopes are granted when a registration does not name any.
var DefaultScopes = []string{"api", "read_user"}

// Application holds the OAuth client credentials and metadata for one
// registered application. Applications are never deleted, only deactivated,
// because sessions and refresh tokens keep referring to their ID.
type Application struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	ClientID     string        `json:"client_id"`
	ClientSecret redact.Secret `json:"client_secret"`
	RedirectURI  string        `json:"redirect_uri"`
	BaseURL      string        `json:"base_url"`
	InstanceType InstanceType  `json:"instance_type"`
	Scopes       []string      `json:"scopes"`
	IsActive     bool          `json:"is_active"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	c := *a
	c.Scopes = append([]string(nil), a.Scopes...)
	return &c
}

// AuthorizeURL returns the remote authorization endpoint for this application.
func (a *Application) AuthorizeURL() string {
	return strings.TrimSuffix(a.BaseURL, "/") + "/oauth/authorize"
}

// TokenURL returns the remote token endpoint for this application.
func (a *Application) TokenURL() string {
	return strings.TrimSuffix(a.BaseURL, "/") + "/oauth/token"
}

// RegisterRequest describes a new application. ClientID and ClientSecret are
// normally issued by the Git host; when empty they are generated.
type RegisterRequest struct {
	Name         string
	Description  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	BaseURL      string
	InstanceType InstanceType
	Scopes       []string
}

// ApplicationUpdate is a partial update. Nil fields are left unchanged.
type ApplicationUpdate struct {
	Name         *string
	Description  *string
	ClientSecret *string
	RedirectURI  *string
	BaseURL      *string
	InstanceType *InstanceType
	Scopes       []string
	IsActive     *bool
}

// isAbsoluteURL reports whether raw parses as an absolute URL with a host.
func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

// classifyInstance derives the instance type from the base URL.
func classifyInstance(baseURL string) InstanceType {
	u, err := url.Parse(baseURL)
	if err != nil {
		return InstanceSelfHosted
	}
	host := strings.ToLower(u.Hostname())
	if host == cloudHost || strings.HasSuffix(host, "."+cloudHost) {
		return InstanceCloud
	}
	return InstanceSelfHosted
}

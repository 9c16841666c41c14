package providers

import (
	"regexp"
	"slices"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id is usable as a provider identifier. Identifiers
// double as file name components, so the alphabet is restricted.
func ValidID(id string) bool {
	return len(id) <= 128 && idPattern.MatchString(id)
}

// ValidLocalID reports whether id is usable for a directly configured provider
// or a proxy server. The proxied separator is reserved so that local ids never
// collide with ProxiedProviderID results.
func ValidLocalID(id string) bool {
	return ValidID(id) && !strings.Contains(id, proxiedSeparator)
}

// Config describes an OAuth provider this application talks to directly.
type Config struct {
	ID                    string            `toml:"-" validate:"required,provider_id"`
	Name                  string            `toml:"name,omitempty"`
	AuthorizationEndpoint string            `toml:"authorization_endpoint" validate:"required,url"`
	TokenEndpoint         string            `toml:"token_endpoint" validate:"required,url"`
	UserInfoEndpoint      string            `toml:"user_info_endpoint,omitempty" validate:"omitempty,url"`
	Scopes                []string          `toml:"scopes,omitempty"`
	PKCE                  bool              `toml:"pkce"`
	ClientID              string            `toml:"client_id,omitempty"`
	ClientSecret          string            `toml:"client_secret,omitempty"`
	RedirectURI           string            `toml:"redirect_uri" validate:"required,url"`
	ExtraParams           map[string]string `toml:"extra_params,omitempty"`

	// Profile selects the user-info normalizer (github, google, microsoft, oidc).
	// Empty means "derive from ID".
	Profile string `toml:"profile,omitempty" validate:"omitempty,oneof=github google microsoft oidc"`

	// JSONTokenRequests sends token and refresh requests JSON-encoded instead of
	// form-encoded, for providers that deviate from RFC 6749.
	JSONTokenRequests bool `toml:"json_token_requests,omitempty"`
}

// Configured reports whether the provider has a client id and can start a flow.
func (c *Config) Configured() bool {
	return c != nil && strings.TrimSpace(c.ClientID) != ""
}

// DisplayName returns Name, falling back to ID.
func (c *Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	if c.ExtraParams != nil {
		out.ExtraParams = make(map[string]string, len(c.ExtraParams))
		for k, v := range c.ExtraParams {
			out.ExtraParams[k] = v
		}
	}
	return &out
}

// ServerDescriptor describes a remote proxy server that brokers OAuth flows to
// real providers and holds their client secrets.
type ServerDescriptor struct {
	ID      string `toml:"-" validate:"required,provider_id"`
	Name    string `toml:"name,omitempty"`
	BaseURL string `toml:"base_url" validate:"required,url"`
}

const proxiedSeparator = "."

// ProxiedProviderID is the token store identifier for a provider reached
// through server serverID.
func ProxiedProviderID(serverID, provider string) string {
	return serverID + proxiedSeparator + provider
}

// SplitProxiedProviderID reverses ProxiedProviderID.
func SplitProxiedProviderID(id string) (serverID, provider string, ok bool) {
	return strings.Cut(id, proxiedSeparator)
}

package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/oauthkeep/internal/callback"
	"github.com/florianilch/oauthkeep/internal/fork"
	"github.com/florianilch/oauthkeep/internal/keys"
	"github.com/florianilch/oauthkeep/internal/oauthflow"
	"github.com/florianilch/oauthkeep/internal/observability"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = observability.FormatText
	LogFormatJSON LogFormat = observability.FormatJSON
	LogFormatOTel LogFormat = observability.FormatOTel
)

// OTLPProtocol selects the exporter used with LogFormatOTel.
type OTLPProtocol string

const (
	OTLPProtocolStdout OTLPProtocol = observability.ProtocolStdout
	OTLPProtocolHTTP   OTLPProtocol = observability.ProtocolHTTP
	OTLPProtocolGRPC   OTLPProtocol = observability.ProtocolGRPC
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigOTLPProtocol    = OTLPProtocolStdout
	DefaultConfigKeyEnv          = "OAUTHKEEP_ENCRYPTION_KEY"
	DefaultConfigKeyMaxAge       = keys.DefaultMaxAge
	DefaultConfigFlowTimeout     = oauthflow.DefaultTimeout
	DefaultConfigHTTPTimeout     = oauthflow.DefaultHTTPTimeout
	DefaultConfigCallbackURL     = "http://127.0.0.1:7823/callback"
	DefaultConfigExpiryBuffer    = tokenstore.DefaultExpiryBuffer
	DefaultConfigGitHubAPIURL    = fork.DefaultAPIURL
	DefaultConfigShutdownTimeout = 5 * time.Second

	appDirName = "oauthkeep"
)

// ObservabilityConfig holds log export configuration.
type ObservabilityConfig struct {
	OTLPProtocol OTLPProtocol `json:"otlp_protocol" validate:"oneof=stdout http grpc"`
}

// KeyConfig describes where the encryption key comes from.
type KeyConfig struct {
	// File holds the generated key metadata.
	File string `json:"file"`
	// EnvKey names an environment variable carrying an operator key.
	EnvKey string `json:"env_key"`
	// KeyringService and KeyringUser locate an operator key in the OS keyring.
	KeyringService string        `json:"keyring_service"`
	KeyringUser    string        `json:"keyring_user"`
	MaxAge         time.Duration `json:"max_age" validate:"gte=0"`
}

// FlowConfig holds OAuth flow settings.
type FlowConfig struct {
	Timeout     time.Duration `json:"timeout" validate:"gte=0"`
	HTTPTimeout time.Duration `json:"http_timeout" validate:"gte=0"`
	// CallbackURL is the loopback redirect used by proxied and onboarding flows.
	CallbackURL string `json:"callback_url" validate:"required,url"`
	// HostProvider names the stored provider whose token authenticates
	// against proxy servers. Empty means the onboarding token.
	HostProvider string `json:"host_provider"`
}

// TokensConfig holds token store settings.
type TokensConfig struct {
	Dir string `json:"dir"`
	// CacheTTL bounds how long decrypted records are cached. Zero caches
	// for the lifetime of the process.
	CacheTTL     time.Duration `json:"cache_ttl" validate:"gte=0"`
	ExpiryBuffer time.Duration `json:"expiry_buffer" validate:"gte=0"`
}

// OnboardingConfig holds the bootstrap flow endpoints and follow-up forks.
type OnboardingConfig struct {
	AuthorizeURL string   `json:"authorize_url" validate:"omitempty,url"`
	ExchangeURL  string   `json:"exchange_url" validate:"omitempty,url"`
	Forks        []string `json:"forks"`
	GitHubAPIURL string   `json:"github_api_url" validate:"url"`
	// File is the encrypted onboarding token slot.
	File string `json:"file"`
}

// Enabled reports whether both onboarding endpoints are configured.
func (o *OnboardingConfig) Enabled() bool {
	return o.AuthorizeURL != "" && o.ExchangeURL != ""
}

// Repositories parses Forks.
func (o *OnboardingConfig) Repositories() ([]oauthflow.Repository, error) {
	repos := make([]oauthflow.Repository, 0, len(o.Forks))
	for _, f := range o.Forks {
		repo, err := oauthflow.ParseRepository(f)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel      slog.Level          `json:"log_level"`
	LogFormat     LogFormat           `json:"log_format" validate:"oneof=text json otel"`
	Observability ObservabilityConfig `json:"observability"`

	// DataDir is the per-user directory holding every file below.
	DataDir       string `json:"data_dir" validate:"required"`
	ProvidersFile string `json:"providers_file" validate:"required"`
	// LegacyFile is the superseded single-file token store read by migrate.
	LegacyFile string `json:"legacy_file"`

	Key        KeyConfig        `json:"key"`
	Flow       FlowConfig       `json:"flow"`
	Tokens     TokensConfig     `json:"tokens"`
	Onboarding OnboardingConfig `json:"onboarding"`
	Shutdown   ShutdownConfig   `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Observability.OTLPProtocol == "" {
		c.Observability.OTLPProtocol = DefaultConfigOTLPProtocol
	}
	if c.DataDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("data_dir required (auto-detect failed: %w)", err)
		}
		c.DataDir = filepath.Join(configDir, appDirName)
	}

	// Dynamic defaults based on the data directory
	if c.ProvidersFile == "" {
		c.ProvidersFile = filepath.Join(c.DataDir, "providers.toml")
	}
	if c.LegacyFile == "" {
		c.LegacyFile = filepath.Join(c.DataDir, "tokens.enc")
	}
	if c.Key.File == "" {
		c.Key.File = filepath.Join(c.DataDir, "key.json")
	}
	if c.Tokens.Dir == "" {
		c.Tokens.Dir = filepath.Join(c.DataDir, "tokens")
	}
	if c.Onboarding.File == "" {
		c.Onboarding.File = filepath.Join(c.DataDir, "onboarding.enc")
	}

	if c.Key.EnvKey == "" {
		c.Key.EnvKey = DefaultConfigKeyEnv
	}
	if c.Key.MaxAge == 0 {
		c.Key.MaxAge = DefaultConfigKeyMaxAge
	}
	if c.Flow.Timeout == 0 {
		c.Flow.Timeout = DefaultConfigFlowTimeout
	}
	if c.Flow.HTTPTimeout == 0 {
		c.Flow.HTTPTimeout = DefaultConfigHTTPTimeout
	}
	if c.Flow.CallbackURL == "" {
		c.Flow.CallbackURL = DefaultConfigCallbackURL
	}
	if c.Tokens.ExpiryBuffer == 0 {
		c.Tokens.ExpiryBuffer = DefaultConfigExpiryBuffer
	}
	if c.Onboarding.GitHubAPIURL == "" {
		c.Onboarding.GitHubAPIURL = DefaultConfigGitHubAPIURL
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if (c.Key.KeyringService == "") != (c.Key.KeyringUser == "") {
		return errors.New("key.keyring_service and key.keyring_user must be set together")
	}

	if (c.Onboarding.AuthorizeURL == "") != (c.Onboarding.ExchangeURL == "") {
		return errors.New("onboarding.authorize_url and onboarding.exchange_url must be set together")
	}
	if _, err := c.Onboarding.Repositories(); err != nil {
		return fmt.Errorf("onboarding.forks: %w", err)
	}

	if _, err := callback.ListenAddress(c.Flow.CallbackURL); err != nil {
		return fmt.Errorf("flow.callback_url: %w", err)
	}

	return nil
}

package app

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyDefaultsDerivesPathsFromDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatal(err)
	}

	paths := map[string]string{
		"providers_file":  cfg.ProvidersFile,
		"legacy_file":     cfg.LegacyFile,
		"key.file":        cfg.Key.File,
		"tokens.dir":      cfg.Tokens.Dir,
		"onboarding.file": cfg.Onboarding.File,
	}
	for name, p := range paths {
		if filepath.Dir(p) != dir {
			t.Errorf("%s = %q, want inside %q", name, p, dir)
		}
	}
	if cfg.Flow.CallbackURL != DefaultConfigCallbackURL || cfg.Tokens.ExpiryBuffer != DefaultConfigExpiryBuffer {
		t.Errorf("flow/tokens defaults = %+v %+v", cfg.Flow, cfg.Tokens)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"otlp protocol", func(c *Config) { c.Observability.OTLPProtocol = "udp" }, "OTLPProtocol"},
		{"keyring half configured", func(c *Config) { c.Key.KeyringService = "oauthkeep" }, "keyring"},
		{"onboarding half configured", func(c *Config) { c.Onboarding.AuthorizeURL = "https://boot.example.test/a" }, "onboarding"},
		{"bad fork", func(c *Config) {
			c.Onboarding.AuthorizeURL = "https://boot.example.test/a"
			c.Onboarding.ExchangeURL = "https://boot.example.test/e"
			c.Onboarding.Forks = []string{"no-slash"}
		}, "onboarding.forks"},
		{"remote callback", func(c *Config) { c.Flow.CallbackURL = "http://example.com/callback" }, "callback_url"},
		{"https callback", func(c *Config) { c.Flow.CallbackURL = "https://127.0.0.1/callback" }, "callback_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DataDir: t.TempDir()}
			if err := cfg.ApplyDefaults(); err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/oauthkeep/internal/app"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.toml", `
data_dir = "`+filepath.ToSlash(dir)+`"
log_format = "json"

[flow]
timeout = "2m"
callback_url = "http://127.0.0.1:9000/cb"

[onboarding]
forks = ["acme/widgets"]
`)
	envFile := writeFile(t, dir, ".env", "OAUTHKEEP_FLOW__TIMEOUT=3m\nOAUTHKEEP_TOKENS__CACHE_TTL=30s\n")
	environ := func() []string {
		return []string{"OAUTHKEEP_FLOW__TIMEOUT=4m", "OTHER=ignored"}
	}

	cfg, err := loadConfig(configPath, envFile, nil, environ)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.LogFormat != app.LogFormatJSON {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.Flow.Timeout != 4*time.Minute {
		t.Errorf("Flow.Timeout = %v, want environment to win", cfg.Flow.Timeout)
	}
	if cfg.Tokens.CacheTTL != 30*time.Second {
		t.Errorf("Tokens.CacheTTL = %v, want value from .env", cfg.Tokens.CacheTTL)
	}
	if cfg.Flow.CallbackURL != "http://127.0.0.1:9000/cb" {
		t.Errorf("Flow.CallbackURL = %q", cfg.Flow.CallbackURL)
	}
	if len(cfg.Onboarding.Forks) != 1 || cfg.Onboarding.Forks[0] != "acme/widgets" {
		t.Errorf("Onboarding.Forks = %q", cfg.Onboarding.Forks)
	}
	if cfg.Tokens.Dir != filepath.Join(dir, "tokens") {
		t.Errorf("Tokens.Dir = %q", cfg.Tokens.Dir)
	}
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	environ := func() []string { return []string{"OAUTHKEEP_DATA_DIR=" + dir} }

	cfg, err := loadConfig("", filepath.Join(dir, "absent.env"), nil, environ)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	environ := func() []string {
		return []string{"OAUTHKEEP_DATA_DIR=" + dir, "OAUTHKEEP_FLOW__CALLBACK_URL=http://example.com/cb"}
	}
	if _, err := loadConfig("", "", nil, environ); err == nil {
		t.Error("non-loopback callback accepted")
	}
}

func TestExtractAndTransformFlags(t *testing.T) {
	var got map[string]any
	cmd := &cli.Command{
		Name: "test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level"},
			&cli.StringFlag{Name: "observability--otlp-protocol"},
			&cli.StringFlag{Name: "data-dir"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			got = extractAndTransformFlags(cmd)
			return nil
		},
	}
	err := cmd.Run(context.Background(), []string{"test", "--log-level", "debug", "--observability--otlp-protocol", "grpc"})
	if err != nil {
		t.Fatal(err)
	}

	if got["log_level"] != "debug" || got["observability.otlp_protocol"] != "grpc" {
		t.Errorf("flags = %v", got)
	}
	if _, ok := got["data_dir"]; ok {
		t.Errorf("unset flag extracted: %v", got)
	}
}

package keys

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvSource reads an operator key from an environment variable.
type EnvSource struct {
	envKey string
}

// Compile-time check to ensure EnvSource implements SecretReader
var _ SecretReader = (*EnvSource)(nil)

// NewEnvSource creates an EnvSource for the given environment variable.
func NewEnvSource(envKey string) (*EnvSource, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	return &EnvSource{
		envKey: envKey,
	}, nil
}

// Read returns the variable's value. Unset or empty variables yield ErrNotFound.
func (e *EnvSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value := strings.TrimSpace(os.Getenv(e.envKey))
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Name implements SecretReader.
func (e *EnvSource) Name() string {
	return "env:" + e.envKey
}

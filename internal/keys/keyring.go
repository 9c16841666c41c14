package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringSource reads an operator key from OS-native credential storage.
type KeyringSource struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringSource implements SecretReader
var _ SecretReader = (*KeyringSource)(nil)

// NewKeyringSource creates a KeyringSource for the given service and user identifiers.
func NewKeyringSource(service, user string) (*KeyringSource, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringSource{
		service: service,
		user:    user,
	}, nil
}

// Read returns the key from the system keyring.
func (k *KeyringSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	secret, err := keyring.Get(k.service, k.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if secret == "" {
		return "", ErrNotFound
	}

	return secret, nil
}

// Write pins key in the system keyring, overwriting any existing value.
func (k *KeyringSource) Write(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return keyring.Set(k.service, k.user, key)
}

// Name implements SecretReader.
func (k *KeyringSource) Name() string {
	return "keyring:" + k.service
}

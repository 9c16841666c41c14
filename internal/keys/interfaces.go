package keys

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a SecretReader when it holds no value.
var ErrNotFound = errors.New("secret not found")

// SecretReader reads an operator-supplied secret.
type SecretReader interface {
	// Read returns the stored secret, or ErrNotFound when nothing is configured.
	Read(ctx context.Context) (string, error)

	// Name identifies the source in logs without revealing its value.
	Name() string
}

// Package pkce generates Proof Key for Code Exchange (RFC 7636) material and
// CSRF state tokens for authorization flows.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

// Method is the only challenge method this package produces.
const Method = "S256"

// unreserved is the RFC 7636 verifier alphabet.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const (
	// DefaultVerifierLength is the verifier length used when none is configured.
	DefaultVerifierLength = 64
	stateBytes            = 32
)

// Material is the per-flow secret set.
type Material struct {
	Verifier  string
	Challenge string
	State     string
}

// Generator produces Material.
type Generator struct {
	random         io.Reader
	verifierLength int
}

// Option configures a Generator.
type Option func(*Generator)

// WithVerifierLength sets the verifier length in characters.
func WithVerifierLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.verifierLength = n
		}
	}
}

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) {
		g.random = r
	}
}

// NewGenerator creates a Generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		random:         rand.Reader,
		verifierLength: DefaultVerifierLength,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns fresh verifier, challenge and state values.
func (g *Generator) Generate() (*Material, error) {
	verifier, err := g.verifier()
	if err != nil {
		return nil, fmt.Errorf("generating pkce verifier: %w", err)
	}
	state, err := g.State()
	if err != nil {
		return nil, err
	}
	return &Material{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		State:     state,
	}, nil
}

// State returns a random URL-safe state token.
func (g *Generator) State() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := io.ReadFull(g.random, b); err != nil {
		return "", fmt.Errorf("generating oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (g *Generator) verifier() (string, error) {
	b := make([]byte, g.verifierLength)
	if _, err := io.ReadFull(g.random, b); err != nil {
		return "", err
	}
	// Bytes at or above limit are rejected to keep the distribution uniform
	out := make([]byte, 0, g.verifierLength)
	limit := byte(256 - 256%len(unreserved))
	for len(out) < g.verifierLength {
		for _, c := range b {
			if c >= limit {
				continue
			}
			out = append(out, unreserved[int(c)%len(unreserved)])
			if len(out) == g.verifierLength {
				break
			}
		}
		if len(out) < g.verifierLength {
			if _, err := io.ReadFull(g.random, b); err != nil {
				return "", err
			}
		}
	}
	return string(out), nil
}

// Challenge returns base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether verifier matches challenge under S256.
func Verify(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}

package profile

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// FromIDToken extracts a profile from the claims of an OpenID Connect id_token.
//
// The signature is not verified. The result only fills display fields and must
// never be used for authorization decisions.
func FromIDToken(kind Kind, idToken string) (*Profile, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("parsing id_token: %w", err)
	}

	p, err := Normalize(KindOIDC, claims)
	if err != nil {
		return nil, err
	}
	p.Provider = kind
	// Registered claims describe the token, not the user
	for _, k := range []string{"iss", "aud", "exp", "iat", "nbf", "azp", "at_hash", "nonce", "jti"} {
		delete(p.Extra, k)
	}
	if len(p.Extra) == 0 {
		p.Extra = nil
	}
	return p, nil
}

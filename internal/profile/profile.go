// Package profile normalizes provider user-info payloads into a common shape.
//
// Each supported provider has a dedicated normalizer that fills the mandatory
// fields (ID, Email, Name, Picture). Fields a normalizer does not model are kept
// verbatim in Extra so nothing the provider returned is lost.
package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the normalizer that produced a Profile.
type Kind string

const (
	KindGitHub    Kind = "github"
	KindGoogle    Kind = "google"
	KindMicrosoft Kind = "microsoft"
	KindOIDC      Kind = "oidc"
)

// Profile is a normalized user profile.
type Profile struct {
	Provider Kind           `json:"provider"`
	ID       string         `json:"id"`
	Email    string         `json:"email,omitempty"`
	Name     string         `json:"name,omitempty"`
	Picture  string         `json:"picture,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// KindFor selects a normalizer from an explicit override or, failing that,
// from the provider id.
func KindFor(providerID, override string) Kind {
	if k, ok := parseKind(override); ok {
		return k
	}
	id := strings.ToLower(providerID)
	for _, k := range []Kind{KindGitHub, KindGoogle, KindMicrosoft} {
		if strings.Contains(id, string(k)) {
			return k
		}
	}
	return KindOIDC
}

func parseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGitHub, KindGoogle, KindMicrosoft, KindOIDC:
		return k, true
	}
	return "", false
}

// field mapping for each kind, in priority order per mandatory field.
type mapping struct {
	id, email, name, picture []string
}

var mappings = map[Kind]mapping{
	KindGitHub: {
		id:      []string{"id"},
		email:   []string{"email"},
		name:    []string{"name", "login"},
		picture: []string{"avatar_url"},
	},
	KindGoogle: {
		id:      []string{"sub", "id"},
		email:   []string{"email"},
		name:    []string{"name"},
		picture: []string{"picture"},
	},
	KindMicrosoft: {
		id:      []string{"id", "oid", "sub"},
		email:   []string{"mail", "userPrincipalName", "email"},
		name:    []string{"displayName", "name"},
		picture: []string{"picture"},
	},
	KindOIDC: {
		id:      []string{"sub", "id"},
		email:   []string{"email"},
		name:    []string{"name", "preferred_username", "username", "login"},
		picture: []string{"picture", "avatar_url"},
	},
}

// Parse decodes a user-info JSON object and normalizes it.
func Parse(kind Kind, data []byte) (*Profile, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding user info: %w", err)
	}
	return Normalize(kind, raw)
}

// Normalize maps raw onto a Profile using kind's normalizer.
func Normalize(kind Kind, raw map[string]any) (*Profile, error) {
	m, ok := mappings[kind]
	if !ok {
		kind = KindOIDC
		m = mappings[KindOIDC]
	}

	used := make(map[string]bool)
	p := &Profile{
		Provider: kind,
		ID:       pick(raw, m.id, used),
		Email:    pick(raw, m.email, used),
		Name:     pick(raw, m.name, used),
		Picture:  pick(raw, m.picture, used),
	}
	if p.ID == "" {
		return nil, fmt.Errorf("user info for %s has no identifier", kind)
	}

	for k, v := range raw {
		if used[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	return p, nil
}

func pick(raw map[string]any, keys []string, used map[string]bool) string {
	for _, k := range keys {
		if s := stringify(raw[k]); s != "" {
			used[k] = true
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

package oauthflow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/florianilch/oauthkeep/internal/cipher"
	"github.com/florianilch/oauthkeep/internal/pkce"
	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

type memProviders struct {
	mu        sync.Mutex
	providers map[string]*providers.Config
	servers   map[string]*providers.ServerDescriptor
}

var (
	_ providers.Store          = (*memProviders)(nil)
	_ providers.ServerRegistry = (*memProviders)(nil)
)

func newMemProviders(cfgs ...*providers.Config) *memProviders {
	m := &memProviders{
		providers: make(map[string]*providers.Config),
		servers:   make(map[string]*providers.ServerDescriptor),
	}
	for _, c := range cfgs {
		m.providers[c.ID] = c
	}
	return m
}

func (m *memProviders) Get(_ context.Context, id string) (*providers.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.providers[id]
	if !ok {
		return nil, providers.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *memProviders) GetAvailable(ctx context.Context) ([]*providers.Config, error) {
	all, _ := m.ListAll(ctx)
	var out []*providers.Config
	for _, c := range all {
		if c.Configured() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memProviders) Save(_ context.Context, cfg *providers.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[cfg.ID] = cfg.Clone()
	return nil
}

func (m *memProviders) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, id)
	return nil
}

func (m *memProviders) ListAll(context.Context) ([]*providers.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*providers.Config, 0, len(m.providers))
	for _, c := range m.providers {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memProviders) GetServer(_ context.Context, id string) (*providers.ServerDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, providers.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memProviders) ListServers(context.Context) ([]*providers.ServerDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*providers.ServerDescriptor, 0, len(m.servers))
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func newTokenStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	codec := cipher.New(cipher.StaticKey(bytes.Repeat([]byte{3}, cipher.KeySize)))
	s, err := tokenstore.New(filepath.Join(t.TempDir(), "tokens"), codec)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// fakeProvider is an authorization server that binds codes to PKCE
// challenges the way a real provider does.
type fakeProvider struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	codes      map[string]string // code -> challenge
	lastForm   url.Values
	tokenCalls atomic.Int32
	userCalls  atomic.Int32

	userInfoStatus int
	rotateRefresh  bool
	idToken        string
	expectJSON     bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{t: t, codes: make(map[string]string), userInfoStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", fp.token)
	mux.HandleFunc("GET /userinfo", fp.userInfo)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) config(id string) *providers.Config {
	return &providers.Config{
		ID:                    id,
		Name:                  "Acme",
		AuthorizationEndpoint: fp.srv.URL + "/authorize",
		TokenEndpoint:         fp.srv.URL + "/token",
		UserInfoEndpoint:      fp.srv.URL + "/userinfo",
		Scopes:                []string{"openid", "email"},
		PKCE:                  true,
		ClientID:              "client-1",
		RedirectURI:           "http://127.0.0.1:9999/callback",
	}
}

// authorize records that code was issued for the challenge in authURL.
func (fp *fakeProvider) authorize(authURL, code string) {
	u, err := url.Parse(authURL)
	if err != nil {
		fp.t.Fatal(err)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.codes[code] = u.Query().Get("code_challenge")
}

func (fp *fakeProvider) lastValue(key string) string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastForm.Get(key)
}

func (fp *fakeProvider) form(r *http.Request) (url.Values, error) {
	if fp.expectJSON {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			return nil, fmt.Errorf("content type %q", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		v := url.Values{}
		for k, val := range body {
			v.Set(k, val)
		}
		return v, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}

func (fp *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	n := fp.tokenCalls.Add(1)
	form, err := fp.form(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	fp.mu.Lock()
	fp.lastForm = form
	fp.mu.Unlock()

	if form.Get("client_id") != "client-1" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch form.Get("grant_type") {
	case "authorization_code":
		fp.mu.Lock()
		challenge, ok := fp.codes[form.Get("code")]
		delete(fp.codes, form.Get("code"))
		fp.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		if challenge != "" && !pkce.Verify(form.Get("code_verifier"), challenge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "code_verifier mismatch"})
			return
		}
		resp := map[string]any{
			"access_token":  fmt.Sprintf("at-%d", n),
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid email",
		}
		if fp.idToken != "" {
			resp["id_token"] = fp.idToken
		}
		writeJSON(w, http.StatusOK, resp)
	case "refresh_token":
		if form.Get("refresh_token") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		resp := map[string]any{
			"access_token": fmt.Sprintf("at-refreshed-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if fp.rotateRefresh {
			resp["refresh_token"] = "rt-rotated"
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (fp *fakeProvider) userInfo(w http.ResponseWriter, r *http.Request) {
	fp.userCalls.Add(1)
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if fp.userInfoStatus != http.StatusOK {
		w.WriteHeader(fp.userInfoStatus)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":     "user-1",
		"email":   "user@example.test",
		"name":    "Example User",
		"picture": "https://example.test/u.png",
		"locale":  "en",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

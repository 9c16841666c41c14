package providers_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/florianilch/oauthkeep/internal/providers"
	"github.com/florianilch/oauthkeep/internal/securefile"
)

func githubConfig() *providers.Config {
	return &providers.Config{
		ID:                    "github",
		Name:                  "GitHub",
		AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:         "https://github.com/login/oauth/access_token",
		UserInfoEndpoint:      "https://api.github.com/user",
		Scopes:                []string{"read:user", "user:email"},
		ClientID:              "client-123",
		ClientSecret:          "secret-456",
		RedirectURI:           "http://127.0.0.1:7823/callback",
		ExtraParams:           map[string]string{"allow_signup": "false"},
	}
}

var _ = Describe("FileStore", func() {
	var (
		ctx    context.Context
		tmpDir string
		store  *providers.FileStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()

		var err error
		store, err = providers.NewFileStore(filepath.Join(tmpDir, "providers.toml"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects an empty path", func() {
		_, err := providers.NewFileStore("")
		Expect(err).To(HaveOccurred())
	})

	Describe("Get", func() {
		It("returns ErrNotFound when the file does not exist", func() {
			_, err := store.Get(ctx, "github")
			Expect(err).To(MatchError(providers.ErrNotFound))
		})

		It("loads a hand-written file", func() {
			data := `version = 0

[providers.acme]
name = "Acme"
authorization_endpoint = "https://auth.acme.test/authorize"
token_endpoint = "https://auth.acme.test/token"
scopes = ["openid", "email"]
pkce = true
client_id = "acme-client"
redirect_uri = "http://127.0.0.1:7823/callback"

[servers.hub]
name = "Hub"
base_url = "https://hub.example.test"
`
			Expect(os.WriteFile(store.Path(), []byte(data), 0o600)).To(Succeed())

			cfg, err := store.Get(ctx, "acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.ID).To(Equal("acme"))
			Expect(cfg.PKCE).To(BeTrue())
			Expect(cfg.Scopes).To(Equal([]string{"openid", "email"}))
			Expect(cfg.Configured()).To(BeTrue())

			srv, err := store.GetServer(ctx, "hub")
			Expect(err).NotTo(HaveOccurred())
			Expect(srv.BaseURL).To(Equal("https://hub.example.test"))
		})
	})

	Describe("file permissions", func() {
		It("refuses a providers file readable by others", func() {
			Expect(store.Save(ctx, githubConfig())).To(Succeed())
			Expect(os.Chmod(store.Path(), 0o644)).To(Succeed())

			_, err := store.Get(ctx, "github")
			Expect(err).To(MatchError(securefile.ErrInsecurePermissions))
		})

		It("ignores hand-written entries with reserved ids", func() {
			data := `[providers."hub.github"]
authorization_endpoint = "https://auth.acme.test/authorize"
token_endpoint = "https://auth.acme.test/token"
client_id = "acme-client"
redirect_uri = "http://127.0.0.1:7823/callback"
`
			Expect(os.WriteFile(store.Path(), []byte(data), 0o600)).To(Succeed())

			_, err := store.Get(ctx, "hub.github")
			Expect(err).To(MatchError(providers.ErrNotFound))
		})
	})

	Describe("Save", func() {
		It("persists providers with owner-only permissions", func() {
			Expect(store.Save(ctx, githubConfig())).To(Succeed())

			info, err := os.Stat(store.Path())
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))

			cfg, err := store.Get(ctx, "github")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(githubConfig()))
		})

		It("rejects invalid ids", func() {
			cfg := githubConfig()
			cfg.ID = "../escape"
			Expect(store.Save(ctx, cfg)).To(MatchError(providers.ErrInvalidID))
		})

		It("rejects ids containing the proxied separator", func() {
			cfg := githubConfig()
			cfg.ID = providers.ProxiedProviderID("hub", "github")
			Expect(store.Save(ctx, cfg)).To(MatchError(providers.ErrInvalidID))

			srv := &providers.ServerDescriptor{ID: "hub.eu", BaseURL: "https://hub.example.test"}
			Expect(store.SaveServer(ctx, srv)).To(MatchError(providers.ErrInvalidID))
		})

		It("rejects configs without endpoints", func() {
			cfg := githubConfig()
			cfg.TokenEndpoint = ""
			Expect(store.Save(ctx, cfg)).NotTo(Succeed())
		})

		It("returns copies that do not alias stored state", func() {
			Expect(store.Save(ctx, githubConfig())).To(Succeed())

			cfg, err := store.Get(ctx, "github")
			Expect(err).NotTo(HaveOccurred())
			cfg.Scopes[0] = "mutated"

			again, err := store.Get(ctx, "github")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Scopes[0]).To(Equal("read:user"))
		})
	})

	Describe("GetAvailable and ListAll", func() {
		It("filters out providers without a client id", func() {
			Expect(store.Save(ctx, githubConfig())).To(Succeed())
			unconfigured := githubConfig()
			unconfigured.ID = "google"
			unconfigured.ClientID = ""
			Expect(store.Save(ctx, unconfigured)).To(Succeed())

			all, err := store.ListAll(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
			Expect(all[0].ID).To(Equal("github"))
			Expect(all[1].ID).To(Equal("google"))

			available, err := store.GetAvailable(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(available).To(HaveLen(1))
			Expect(available[0].ID).To(Equal("github"))
		})
	})

	Describe("Remove", func() {
		It("deletes only the named provider", func() {
			Expect(store.Save(ctx, githubConfig())).To(Succeed())
			other := githubConfig()
			other.ID = "gitlab"
			Expect(store.Save(ctx, other)).To(Succeed())

			Expect(store.Remove(ctx, "github")).To(Succeed())
			Expect(store.Remove(ctx, "missing")).To(Succeed())

			_, err := store.Get(ctx, "github")
			Expect(err).To(MatchError(providers.ErrNotFound))
			_, err = store.Get(ctx, "gitlab")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("servers", func() {
		It("saves and lists descriptors", func() {
			Expect(store.SaveServer(ctx, &providers.ServerDescriptor{ID: "b", BaseURL: "https://b.test"})).To(Succeed())
			Expect(store.SaveServer(ctx, &providers.ServerDescriptor{ID: "a", BaseURL: "https://a.test"})).To(Succeed())
			Expect(store.SaveServer(ctx, &providers.ServerDescriptor{ID: "c", BaseURL: "not a url"})).NotTo(Succeed())

			servers, err := store.ListServers(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(servers).To(HaveLen(2))
			Expect(servers[0].ID).To(Equal("a"))

			_, err = store.GetServer(ctx, "missing")
			Expect(err).To(MatchError(providers.ErrNotFound))
		})
	})
})

var _ = Describe("ids", func() {
	DescribeTable("ValidID",
		func(id string, want bool) {
			Expect(providers.ValidID(id)).To(Equal(want))
		},
		Entry("simple", "github", true),
		Entry("proxied", "hub.google", true),
		Entry("dashes", "my-provider_2", true),
		Entry("empty", "", false),
		Entry("path traversal", "../x", false),
		Entry("slash", "a/b", false),
		Entry("leading dot", ".hidden", false),
	)

	DescribeTable("ValidLocalID",
		func(id string, want bool) {
			Expect(providers.ValidLocalID(id)).To(Equal(want))
		},
		Entry("simple", "github", true),
		Entry("proxied", "hub.google", false),
		Entry("empty", "", false),
	)

	It("splits proxied ids", func() {
		server, provider, ok := providers.SplitProxiedProviderID(providers.ProxiedProviderID("hub", "google"))
		Expect(ok).To(BeTrue())
		Expect(server).To(Equal("hub"))
		Expect(provider).To(Equal("google"))
	})
})

package legacystore_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/florianilch/oauthkeep/internal/cipher"
	"github.com/florianilch/oauthkeep/internal/legacystore"
	"github.com/florianilch/oauthkeep/internal/profile"
	"github.com/florianilch/oauthkeep/internal/tokenstore"
)

func codecFor(b byte) *cipher.Service {
	return cipher.New(cipher.StaticKey(bytes.Repeat([]byte{b}, cipher.KeySize)))
}

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		tmpDir string
		path   string
		store  *legacystore.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		path = filepath.Join(tmpDir, "tokens.enc")

		var err error
		store, err = legacystore.Open(path, codecFor(7))
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects an empty path", func() {
		_, err := legacystore.Open("", codecFor(7))
		Expect(err).To(HaveOccurred())
	})

	It("reports a missing file", func() {
		_, err := store.Load(ctx)
		Expect(err).To(MatchError(legacystore.ErrNotFound))
	})

	It("round-trips records with millisecond timestamps", func() {
		stored := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
		expires := stored.Add(time.Hour)

		Expect(store.Save(ctx, map[string]*tokenstore.Record{
			"github": {
				AccessToken:  "gho_abc",
				RefreshToken: "ghr_def",
				TokenType:    "bearer",
				ExpiresAt:    expires,
				Scope:        "read:user",
				StoredAt:     stored,
				UpdatedAt:    stored,
				User: &profile.Profile{
					Provider: profile.KindGitHub,
					ID:       "42",
					Email:    "octo@example.test",
					Name:     "Octo",
				},
			},
			"google": {AccessToken: "ya29"},
		})).To(Succeed())

		raw, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).NotTo(ContainSubstring("gho_abc"))

		records, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(2))

		gh := records["github"]
		Expect(gh.ProviderID).To(Equal("github"))
		Expect(gh.AccessToken).To(Equal("gho_abc"))
		Expect(gh.RefreshToken).To(Equal("ghr_def"))
		Expect(gh.ExpiresAt.Equal(expires)).To(BeTrue())
		Expect(gh.StoredAt.Equal(stored)).To(BeTrue())
		Expect(gh.User).NotTo(BeNil())
		Expect(gh.User.Provider).To(Equal(profile.KindGitHub))
		Expect(gh.User.Email).To(Equal("octo@example.test"))

		goog := records["google"]
		Expect(goog.ExpiresAt.IsZero()).To(BeTrue())
		Expect(goog.User).To(BeNil())
	})

	It("infers the profile kind from the provider id when it is missing", func() {
		payload, err := codecFor(7).Encrypt([]byte(`
[tokens.google]
access_token = "ya29"
expires_at = 1767225600000

[tokens.google.user]
id = "1001"
email = "g@example.test"
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(path, []byte(payload+"\n"), 0600)).To(Succeed())

		records, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(records["google"].User.Provider).To(Equal(profile.KindGoogle))
		Expect(records["google"].ExpiresAt.Equal(time.UnixMilli(1767225600000))).To(BeTrue())
	})

	It("fails with ErrUnreadable under a different key", func() {
		Expect(store.Save(ctx, map[string]*tokenstore.Record{"github": {AccessToken: "x"}})).To(Succeed())

		other, err := legacystore.Open(path, codecFor(8))
		Expect(err).NotTo(HaveOccurred())
		_, err = other.Load(ctx)
		Expect(err).To(MatchError(legacystore.ErrUnreadable))
	})

	Describe("migrating into the per-provider store", func() {
		var tokens *tokenstore.Store

		BeforeEach(func() {
			var err error
			tokens, err = tokenstore.New(filepath.Join(tmpDir, "tokens"), codecFor(7))
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Save(ctx, map[string]*tokenstore.Record{
				"github": {AccessToken: "legacy-gh"},
				"google": {AccessToken: "legacy-google"},
			})).To(Succeed())
		})

		It("copies records and never overwrites existing ones", func() {
			Expect(tokens.Store(ctx, &tokenstore.Record{ProviderID: "github", AccessToken: "fresh-gh"})).To(Succeed())

			legacy, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())

			report, err := tokens.Migrate(ctx, legacy)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Migrated).To(ConsistOf("google"))
			Expect(report.Skipped).To(HaveKey("github"))

			gh, err := tokens.Get(ctx, "github")
			Expect(err).NotTo(HaveOccurred())
			Expect(gh.AccessToken).To(Equal("fresh-gh"))

			report, err = tokens.Migrate(ctx, legacy)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Migrated).To(BeEmpty())
		})
	})
})

package pkce

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestChallengeRFC7636Vector(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := Challenge(verifier); got != want {
		t.Fatalf("Challenge() = %v, want %v", got, want)
	}
}

func TestGenerate(t *testing.T) {
	for _, length := range []int{30, 43, DefaultVerifierLength, 128} {
		g := NewGenerator(WithVerifierLength(length))
		m, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}

		if len(m.Verifier) != length {
			t.Errorf("verifier length = %d, want %d", len(m.Verifier), length)
		}
		for _, c := range m.Verifier {
			if !strings.ContainsRune(unreserved, c) {
				t.Errorf("verifier contains reserved character %q", c)
			}
		}

		sum := sha256.Sum256([]byte(m.Verifier))
		if m.Challenge != base64.RawURLEncoding.EncodeToString(sum[:]) {
			t.Error("challenge is not base64url(sha256(verifier))")
		}
		if !Verify(m.Verifier, m.Challenge) {
			t.Error("Verify() rejected matching pair")
		}
		if Verify(m.Verifier+"x", m.Challenge) {
			t.Error("Verify() accepted mismatched verifier")
		}
		if m.State == "" || strings.ContainsAny(m.State, "+/=") {
			t.Errorf("state %q is not URL-safe", m.State)
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator()
	a, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if a.Verifier == b.Verifier || a.State == b.State {
		t.Fatal("two generations produced identical material")
	}
}

func TestGenerateDeterministicRandom(t *testing.T) {
	src := bytes.Repeat([]byte{0}, 1024)
	g := NewGenerator(WithRandom(bytes.NewReader(src)), WithVerifierLength(10))
	m, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if m.Verifier != "AAAAAAAAAA" {
		t.Errorf("Verifier = %q", m.Verifier)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerateEntropyFailure(t *testing.T) {
	if _, err := NewGenerator(WithRandom(failingReader{})).Generate(); err == nil {
		t.Fatal("Generate() succeeded without entropy")
	}
}

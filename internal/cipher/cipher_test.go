package cipher

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestRoundTrip(t *testing.T) {
	svc := New(StaticKey(testKey(7)))

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "empty", plaintext: []byte{}},
		{name: "ascii", plaintext: []byte("hello world")},
		{name: "exact block", plaintext: []byte("0123456789abcdef")},
		{name: "unicode", plaintext: []byte("grüße, 世界 🔐")},
		{name: "multi kilobyte", plaintext: bytes.Repeat([]byte("token material "), 700)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := svc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			got, err := svc.Decrypt(payload)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Fatalf("Decrypt() = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptFormat(t *testing.T) {
	svc := New(StaticKey(testKey(1)))

	a, err := svc.EncryptString("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := svc.EncryptString("same input")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	parts := strings.Split(a, ":")
	if len(parts) != 2 {
		t.Fatalf("payload %q does not have two parts", a)
	}
	if len(parts[0]) != 32 {
		t.Errorf("iv hex length = %d, want 32", len(parts[0]))
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical payloads")
	}
}

func TestKeyErrors(t *testing.T) {
	tests := []struct {
		name string
		keys KeySource
		want error
	}{
		{name: "nil source", keys: nil, want: ErrNoKey},
		{name: "empty key", keys: StaticKey(nil), want: ErrNoKey},
		{name: "short key", keys: StaticKey([]byte("too-short")), want: ErrKeyTooShort},
		{name: "long key", keys: StaticKey(bytes.Repeat([]byte{1}, 48)), want: ErrKeyTooShort},
		{name: "source error", keys: KeyFunc(func() ([]byte, error) { return nil, errors.New("boom") }), want: ErrNoKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(tt.keys)
			if _, err := svc.Encrypt([]byte("x")); !errors.Is(err, tt.want) {
				t.Errorf("Encrypt() error = %v, want %v", err, tt.want)
			}
			if _, err := svc.Decrypt("00:00"); !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecryptMalformed(t *testing.T) {
	svc := New(StaticKey(testKey(3)))

	for _, payload := range []string{
		"",
		"nocolon",
		"a:b:c",
		"zz:00112233445566778899aabbccddeeff",
		"00112233445566778899aabbccddeeff:zz",
		"0011:00112233445566778899aabbccddeeff",
		"00112233445566778899aabbccddeeff:0011",
	} {
		if _, err := svc.Decrypt(payload); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decrypt(%q) error = %v, want ErrMalformedPayload", payload, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	payload, err := New(StaticKey(testKey(1))).EncryptString(`{"access_token":"secret"}`)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := New(StaticKey(testKey(2))).DecryptString(payload)
	if err == nil && got == `{"access_token":"secret"}` {
		t.Fatal("decryption with a different key recovered the plaintext")
	}
	if err != nil && strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks plaintext: %v", err)
	}
}

func TestKeyRotationTakesEffect(t *testing.T) {
	current := testKey(1)
	svc := New(KeyFunc(func() ([]byte, error) { return bytes.Clone(current), nil }))

	first, err := svc.EncryptString("v1")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	current = testKey(9)
	second, err := svc.EncryptString("v2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if got, err := svc.DecryptString(second); err != nil || got != "v2" {
		t.Fatalf("Decrypt(second) = %q, %v", got, err)
	}
	if got, err := New(StaticKey(testKey(1))).DecryptString(first); err != nil || got != "v1" {
		t.Fatalf("Decrypt(first) with old key = %q, %v", got, err)
	}
}

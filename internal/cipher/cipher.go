package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

const separator = ":"

var (
	// ErrKeyTooShort is returned when the key source yields anything other than KeySize bytes.
	ErrKeyTooShort = errors.New("encryption key must be 32 bytes")
	// ErrNoKey is returned when no key source is configured or it yields nothing.
	ErrNoKey = errors.New("encryption key unavailable")
	// ErrMalformedPayload is returned when a payload is not "ivHex:cipherHex".
	ErrMalformedPayload = errors.New("malformed encrypted payload")
	// ErrDecryption is returned for any failure after the payload was parsed.
	ErrDecryption = errors.New("decryption failed")
	// ErrEncryption is returned for any failure while producing a payload.
	ErrEncryption = errors.New("encryption failed")
)

// KeySource supplies the active symmetric key.
type KeySource interface {
	// Key returns the active key. Implementations must return a copy.
	Key() ([]byte, error)
}

// KeyFunc adapts a plain function to KeySource.
type KeyFunc func() ([]byte, error)

// Key implements KeySource.
func (f KeyFunc) Key() ([]byte, error) { return f() }

// StaticKey returns a KeySource that always yields key.
func StaticKey(key []byte) KeySource {
	k := bytes.Clone(key)
	return KeyFunc(func() ([]byte, error) {
		return bytes.Clone(k), nil
	})
}

// Service is a stateless AES-256-CBC codec bound to a KeySource.
type Service struct {
	keys   KeySource
	random io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithRandom overrides the IV entropy source.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		s.random = r
	}
}

// New creates a Service that fetches its key from keys on every call.
func New(keys KeySource, opts ...Option) *Service {
	s := &Service{
		keys:   keys,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Encrypt returns "ivHex:cipherHex" for plaintext.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	block, err := s.block()
	if err != nil {
		slog.Error("encryption failed", "reason", "key")
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(s.random, iv); err != nil {
		slog.Error("encryption failed", "reason", "iv")
		return "", ErrEncryption
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + separator + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A wrong key surfaces as ErrDecryption.
func (s *Service) Decrypt(payload string) ([]byte, error) {
	block, err := s.block()
	if err != nil {
		slog.Error("decryption failed", "reason", "key")
		return nil, err
	}

	parts := strings.Split(strings.TrimSpace(payload), separator)
	if len(parts) != 2 {
		slog.Error("decryption failed", "reason", "format")
		return nil, ErrMalformedPayload
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		slog.Error("decryption failed", "reason", "format")
		return nil, ErrMalformedPayload
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		slog.Error("decryption failed", "reason", "format")
		return nil, ErrMalformedPayload
	}

	out := make([]byte, len(data))
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	plaintext, err := unpad(out, aes.BlockSize)
	if err != nil {
		slog.Error("decryption failed", "reason", "padding")
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper around Encrypt.
func (s *Service) EncryptString(plaintext string) (string, error) {
	return s.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper around Decrypt.
func (s *Service) DecryptString(payload string) (string, error) {
	b, err := s.Decrypt(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Service) block() (stdcipher.Block, error) {
	if s == nil || s.keys == nil {
		return nil, ErrNoKey
	}
	key, err := s.keys.Key()
	if err != nil {
		return nil, fmt.Errorf("%w: key source error", ErrNoKey)
	}
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	if len(key) != KeySize {
		return nil, ErrKeyTooShort
	}
	block, err := aes.NewCipher(key)
	clear(key)
	if err != nil {
		return nil, ErrKeyTooShort
	}
	return block, nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrDecryption
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrDecryption
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrDecryption
		}
	}
	return b[:len(b)-n], nil
}

// Package cipher encrypts and decrypts credential material at rest.
//
// Payloads use AES-256 in CBC mode with PKCS#7 padding. Every call to Encrypt
// draws a fresh 16-byte IV; the encoded form is "ivHex:cipherHex":
//
//	svc := cipher.New(resolver)
//	payload, err := svc.Encrypt([]byte(`{"access_token":"..."}`))
//	plaintext, err := svc.Decrypt(payload)
//
// The key is fetched from a KeySource on every call so that a rotated key takes
// effect without rebuilding the Service. Errors returned from this package never
// contain key bytes or plaintext.
package cipher

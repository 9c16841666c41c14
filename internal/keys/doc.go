// Package keys resolves the symmetric key used to encrypt credentials at rest.
//
// Resolution order, evaluated once by Resolve:
//   - Operator: a key pinned by the operator through an environment variable or
//     the OS keyring (macOS Keychain, Windows Credential Manager, Secret Service).
//     It must decode to exactly 32 bytes, either as 64 hex characters or as a raw
//     32-byte string. It always wins.
//   - Generated: a key previously generated by this package and stored in a
//     metadata file, as long as it is younger than the configured maximum age.
//   - Otherwise a new random key is generated and persisted with owner-only
//     permissions.
//
// A Resolver satisfies cipher.KeySource.
package keys

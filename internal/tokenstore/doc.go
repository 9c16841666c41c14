// Package tokenstore persists OAuth token records, one encrypted file per provider.
//
// Files are named "token-<providerID>.enc" and hold the JSON-encoded Record
// encrypted by a Codec ("ivHex:cipherHex"). Writes are atomic with 0600
// permissions inside a 0700 directory.
//
// Records are loaded lazily on first access and cached. A file that cannot be
// decrypted (typically after a key rotation) is treated as absent rather than
// as an error, and the provider is remembered as loaded so the failing file is
// not re-read on every call. With a cache TTL configured, entries expire and
// the next access re-reads the file, which picks up changes made by other
// processes.
//
// The store takes no locks around file writes: two concurrent Store calls for
// the same provider resolve last-write-wins. Refreshes for the same provider
// are coalesced so a burst of ValidAccessToken calls triggers a single refresh.
package tokenstore

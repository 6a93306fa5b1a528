// Package token hashes and mints opaque tokens for quill.
//
// Refresh tokens and OAuth codes are stored only as digests. With a key
// configured the digest is HMAC-SHA256; without one it falls back to plain
// SHA-256, which is acceptable for the in-memory development provider only.
// Output is always 64 hex characters.
package token

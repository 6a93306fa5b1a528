// Package password hashes and verifies account passwords for quill's
// local identity provider.
//
// Hashes are Argon2id in the PHC string format. Encoded hashes are treated as
// untrusted input: Verify refuses parameters far above the configured cost.
package password

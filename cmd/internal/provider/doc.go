// Package provider holds what quill's identity provider implementations share:
// the ordered session-change bus and the provider error vocabulary.
//
// Implementations live in subpackages: local (in-process accounts, for
// development and tests) and remote (an HTTP identity backend).
package provider

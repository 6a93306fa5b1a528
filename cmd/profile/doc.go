// Package profile implements quill's public user profiles.
//
// A profile row shares its id with the identity provider's user and owns the
// username. The unique index on the normalized username is the authority for
// username uniqueness; the availability query exists for early feedback only.
package profile

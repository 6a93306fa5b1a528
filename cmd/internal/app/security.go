package app

import (
	"errors"

	"quill/cmd/security/token"
)

// ValidateSecurityConfig enforces the token-hashing policy at startup.
// Only the local provider stores refresh tokens, so remote mode has nothing to check.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.mode() != ModeLocal || !cfg.Local.RequireTokenHMAC {
		return nil
	}

	h, err := token.NewHasher(cfg.Local.TokenHMACKey, true)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return errors.New("security policy: QUILL_REQUIRE_TOKEN_HMAC=true but QUILL_LOCAL_TOKEN_HMAC_KEY is missing")
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return errors.New("security policy: QUILL_REQUIRE_TOKEN_HMAC=true but QUILL_LOCAL_TOKEN_HMAC_KEY is too short (min 32 bytes)")
	case err != nil:
		return err
	case !h.Keyed():
		return errors.New("security policy: QUILL_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return nil
}

// Package secrets encrypts PollSource auth tokens at rest. Tokens are
// write-only from the admin surface's point of view: once stored, the
// plaintext is never re-emitted, only used internally to authenticate
// outbound polls.
package secrets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ciris-ai/cirislens/infrastructure/crypto"
)

// MasterKeyEnv is the env var carrying the 32-byte (or 64 hex char) root key
// that all poll-source token envelopes are derived from.
const MasterKeyEnv = "SECRETS_MASTER_KEY"

var (
	ErrNotFound          = errors.New("secrets: poll source has no stored token")
	ErrInvalidCiphertext = errors.New("secrets: stored token cannot be decrypted")
)

const tokenInfo = "cirislens.pollsource.token.v1"

// TokenCipher encrypts and decrypts PollSource auth tokens using envelope
// encryption keyed on the poll source's id, so that a leaked ciphertext for
// one source cannot be replayed against another's key derivation.
type TokenCipher struct {
	masterKey []byte
}

// NewTokenCipher parses rawKey (either 64 hex characters or 32 raw bytes)
// into a master key usable for envelope derivation.
func NewTokenCipher(rawKey string) (*TokenCipher, error) {
	key, err := normalizeMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{masterKey: key}, nil
}

// Encrypt returns the ciphertext to persist for pollSourceID's auth token.
func (c *TokenCipher) Encrypt(pollSourceID, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	ct, err := crypto.EncryptEnvelope(c.masterKey, []byte(pollSourceID), tokenInfo, []byte(token))
	if err != nil {
		return "", fmt.Errorf("secrets: encrypt token: %w", err)
	}
	return string(ct), nil
}

// Decrypt recovers the plaintext token for pollSourceID from its stored ciphertext.
func (c *TokenCipher) Decrypt(pollSourceID, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrNotFound
	}
	pt, err := crypto.DecryptEnvelope(c.masterKey, []byte(pollSourceID), tokenInfo, []byte(ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(pt), nil
}

func normalizeMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("secrets: %s is required", MasterKeyEnv)
	}
	if len(trimmed) == 64 {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return decoded, nil
		}
	}
	if len(trimmed) == 32 {
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("secrets: %s must be 32 bytes or 64 hex chars", MasterKeyEnv)
}

// TokenStore resolves the decrypted auth token for a poll source, used by the
// polling fabric when building outbound requests. It never logs or returns
// the token through any other channel.
type TokenStore interface {
	TokenForPollSource(ctx context.Context, pollSourceID string) (string, error)
}

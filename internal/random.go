package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

const (
	// TokenSecretSize is the raw byte length of a refresh-token secret.
	TokenSecretSize = 32

	refreshTokenRawSize = 16 + TokenSecretSize
)

// NewTokenID returns a fresh random token identifier in canonical UUID form.
// The identifier is opaque and not secret; it is safe to log and index.
func NewTokenID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns a fresh random session identifier in canonical UUID form.
func NewSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTokenSecret returns a high-entropy refresh-token secret. The raw secret
// is delivered to the client exactly once and only its hash is persisted.
func NewTokenSecret() ([TokenSecretSize]byte, error) {
	var secret [TokenSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashTokenSecret is the one-way hash applied to a refresh-token secret
// before it reaches any store.
func HashTokenSecret(secret [TokenSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// SecretHashEqual compares two secret hashes in constant time.
func SecretHashEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// EncodeRefreshToken packs a token ID and its secret into the opaque wire
// form handed to clients: base64url(id bytes || secret bytes), no padding.
func EncodeRefreshToken(tokenID string, secret [TokenSecretSize]byte) (string, error) {
	id, err := uuid.Parse(tokenID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:16], id[:])
	copy(raw[16:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeRefreshToken splits an opaque refresh token back into its token ID
// and secret. Any structural defect yields an error; callers must not report
// decode failures differently from unknown-token failures.
func DecodeRefreshToken(token string) (string, [TokenSecretSize]byte, error) {
	var secret [TokenSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var id uuid.UUID
	copy(id[:], raw[:16])
	copy(secret[:], raw[16:])

	return id.String(), secret, nil
}

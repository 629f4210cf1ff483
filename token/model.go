package token

import "time"

// RefreshTokenRecord is one issued refresh token. A record is write-once at
// creation; the only permitted mutation afterwards is the single
// consumed=false → consumed=true transition performed by Store.Rotate.
type RefreshTokenRecord struct {
	// ID is an opaque unique identifier (canonical UUID). Not secret.
	ID string

	// UserID is the owning principal.
	UserID string

	// SecretHash is the one-way hash of the raw secret delivered to the
	// client. The raw secret is never persisted or logged.
	SecretHash [32]byte

	// SessionID groups the chain of rotated tokens belonging to one logical
	// login session. Rotation is a linear chain: within a session at most
	// one unconsumed, unexpired record exists at any instant.
	SessionID string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Consumed flips exactly once, when the token is exchanged for a new
	// pair. ConsumedAt is nil until then.
	Consumed   bool
	ConsumedAt *time.Time

	// SupersededBy is the ID of the record that replaced this one in the
	// lineage; empty until rotated.
	SupersededBy string
}

// Expired reports whether the record's absolute lifetime has passed.
func (r *RefreshTokenRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// SessionEntry tracks one active session lineage in the session registry.
// Created on login, repositioned by every rotation, deleted on logout or
// invalidation.
type SessionEntry struct {
	SessionID string
	UserID    string

	// CurrentRefreshTokenID points at the lineage head: the one record that
	// is expected to be unconsumed. A briefly stale pointer is harmless:
	// rotating through it lands on a consumed record and takes the replay
	// path, which is the correct outcome.
	CurrentRefreshTokenID string

	// Roles and Lang are the claim snapshot taken at login; rotation
	// re-mints access tokens from them without consulting the principal.
	Roles []string
	Lang  string

	CreatedAt     time.Time
	LastRotatedAt time.Time

	// ExpiresAt is the absolute session lifetime cap, fixed at login and
	// never extended by rotation.
	ExpiresAt time.Time
}

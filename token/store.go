package token

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.GetToken for an unknown token ID.
var ErrNotFound = errors.New("refresh token record not found")

// ErrSessionNotFound is returned by Store.GetSession for an unknown session.
var ErrSessionNotFound = errors.New("session entry not found")

// ErrUnavailable wraps any backend failure of a Store implementation.
// Callers surface it as storage unavailability; it is never swallowed.
var ErrUnavailable = errors.New("token store unavailable")

// Store is the durable, authoritative persistence layer for refresh-token
// records and session entries. Implementations must survive restarts and
// must make Rotate's consume transition atomic across concurrent callers
// and across service instances.
type Store interface {
	// CreateSession persists a fresh lineage: the first token record of a
	// session together with its registry entry.
	CreateSession(ctx context.Context, rec RefreshTokenRecord, entry SessionEntry) error

	// GetToken returns the record for id, or ErrNotFound.
	GetToken(ctx context.Context, id string) (*RefreshTokenRecord, error)

	// Rotate performs the single-winner consume transition: iff the record
	// oldID still has consumed=false it is marked consumed (consumedAt=now,
	// supersededBy=next.ID), next is inserted, and the session entry's
	// current-token pointer is repositioned. Returns won=false, with no
	// state change, when another caller already consumed oldID or the
	// record is gone; the affected-row count of the conditional update is
	// the only arbiter.
	Rotate(ctx context.Context, oldID string, now time.Time, next RefreshTokenRecord) (won bool, err error)

	// GetSession returns the registry entry for sessionID, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionEntry, error)

	// SessionsForUser lists every registry entry owned by userID.
	SessionsForUser(ctx context.Context, userID string) ([]SessionEntry, error)

	// DeleteSession removes every token record in the session's lineage and
	// the registry entry. Idempotent; returns the number of records removed.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)

	// DeleteExpired reclaims records and session entries whose absolute
	// lifetime passed before now. Returns the number of records removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Lineage returns the session's records ordered by issuance time,
	// consumed ones included, for audit inspection.
	Lineage(ctx context.Context, sessionID string) ([]RefreshTokenRecord, error)
}

// CacheSider is the fast lookup layer wrapped around a Store. It is strictly
// an optimization: a (nil, false, nil) miss and a failed call are equivalent,
// and neither may drive a replay or invalidation decision on its own. Only a
// positive "found and consumed" hit may short-circuit the durable lookup.
type CacheSider interface {
	// PutToken mirrors a record. ttl bounds the mirror's lifetime; zero or
	// negative ttl means the record already expired and need not be cached.
	PutToken(ctx context.Context, rec RefreshTokenRecord, ttl time.Duration) error

	// GetToken returns a mirrored record if present. ok=false is a miss,
	// never a statement that the record does not exist.
	GetToken(ctx context.Context, id string) (rec *RefreshTokenRecord, ok bool, err error)

	// PutSession mirrors a registry entry and indexes the session under its user.
	PutSession(ctx context.Context, entry SessionEntry, ttl time.Duration) error

	// GetSession returns a mirrored entry if present.
	GetSession(ctx context.Context, sessionID string) (entry *SessionEntry, ok bool, err error)

	// DropSession evicts the entry and every mirrored record of the lineage.
	DropSession(ctx context.Context, sessionID string) error
}

// NopCache is the CacheSider used when no cache is configured and in tests:
// every read misses, every write succeeds, nothing is retained.
type NopCache struct{}

// PutToken implements CacheSider.
func (NopCache) PutToken(context.Context, RefreshTokenRecord, time.Duration) error { return nil }

// GetToken implements CacheSider.
func (NopCache) GetToken(context.Context, string) (*RefreshTokenRecord, bool, error) {
	return nil, false, nil
}

// PutSession implements CacheSider.
func (NopCache) PutSession(context.Context, SessionEntry, time.Duration) error { return nil }

// GetSession implements CacheSider.
func (NopCache) GetSession(context.Context, string) (*SessionEntry, bool, error) {
	return nil, false, nil
}

// DropSession implements CacheSider.
func (NopCache) DropSession(context.Context, string) error { return nil }

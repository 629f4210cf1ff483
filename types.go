package rotauth

import (
	"context"
	"time"
)

// Principal is the identity returned by a successful credential
// verification: a stable user identifier plus the claim snapshot carried
// into every access token of the session.
type Principal struct {
	UserID string
	Roles  []string
	Lang   string
}

// CredentialVerifier is the external collaborator that validates a login
// credential. rotauth never sees or stores passwords; implementations own
// credential storage, hashing, and lockout policy.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, credential string) (Principal, error)
}

// IssueResult is returned by [Engine.Issue], [Engine.Login], and
// [Engine.Rotate]: the signed access token, the opaque one-time refresh
// token, and the session the pair belongs to.
//
// RefreshToken is the only time the refresh secret crosses the API; the
// server retains just its hash and cannot re-display it.
type IssueResult struct {
	AccessToken     string
	RefreshToken    string
	SessionID       string
	UserID          string
	AccessExpiresAt time.Time
}

// AccessResult is returned by [Engine.ValidateAccess] for a valid access
// token. It is derived entirely from the token's signed claims; no store is
// consulted.
type AccessResult struct {
	UserID    string
	SessionID string
	TokenID   string
	Roles     []string
	Lang      string
	ExpiresAt time.Time
}

// Package jwt implements the stateless access-token codec: signing and
// verification of short-lived bearer claims with a server-held key.
//
// Validity is self-contained; no store access happens here. Revocation
// granularity lives at the refresh-token layer, which is why access tokens
// stay short-lived while refresh tokens carry the session lifetime.
package jwt

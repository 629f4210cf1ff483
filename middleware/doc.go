// Package middleware exposes HTTP middleware adapters built on top of
// rotauth.Engine access-token validation.
//
// # Guards
//
//   - [Guard] — stateless access-token verification.
//   - [RequireRole] — Guard plus a role claim check.
//
// Each guard reads the Authorization header, calls Engine.ValidateAccess,
// and injects the validated claims into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement token logic itself.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Touch the durable store or the cache.
//   - Distinguish rejection reasons in the response body. Every failure is
//     the same 401 so the endpoint cannot be used as a token oracle.
package middleware

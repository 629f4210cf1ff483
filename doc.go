// Package rotauth implements the refresh-token lifecycle of an
// authentication service: issuance of access/refresh token pairs, one-time
// refresh-token rotation with replay detection, cascading session
// invalidation on credential change, and cache-aside reads over a durable
// source-of-truth store.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build], and the rotation race is arbitrated at the durable store,
// so multiple service instances can share one database safely.
//
// # Architecture boundaries
//
// rotauth is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (IssueResult, AccessResult, MetricsSnapshot, AuditEvent).
// Credential verification is not performed here: callers inject a
// [CredentialVerifier] and rotauth only manages the tokens issued after a
// successful verification.
//
// # What this package must NOT do
//
//   - Treat the cache as authoritative: every correctness decision is made
//     against the durable [token.Store]; a disabled or failing cache only
//     costs latency.
//   - Persist, log, or audit a raw refresh-token secret. Only SHA-256
//     hashes ever leave the request path.
//   - Retry storage operations. Retrying an exhausted token deterministically
//     reproduces the replay outcome, so retry policy belongs to the caller.
package rotauth

// Package token defines the refresh-token data model and the storage
// contracts of the rotation subsystem: Store, the durable source of truth,
// and CacheSider, the best-effort fast lookup layer.
//
// The split is deliberate. Replay detection and the single-winner consume
// transition are arbitrated by the Store alone. A CacheSider may only
// accelerate reads and mirror writes; a cache miss or cache failure must
// never change an outcome.
package token

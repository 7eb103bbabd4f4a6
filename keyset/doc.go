// Package keyset maintains the versioned, rotating set of secrets used to sign browser
// sessions.
//
// Exactly one key is active at a time. Rotate retires it and installs a fresh key through
// a single atomic store operation; retired keys keep verifying tokens until
// RetiredAt + MaxTokenTTL and are then invisible to Get and removed by Prune.
//
// The in-memory view is an immutable snapshot behind an atomic.Pointer, so readers never
// block and never observe a half-applied rotation. When Get misses, the set is reloaded
// from the store (deduplicated with singleflight) so rotations performed by other
// instances become visible.
//
// Stores: MemoryStore for single instances, keyset/redis for shared deployments.
package keyset

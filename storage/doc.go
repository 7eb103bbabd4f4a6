// Package storage provides the persistence ports of the lockrs authorization engine.
//
// The engine consumes these interfaces:
//   - ClientStore: read-only client registrations
//   - CodeStore: authorization codes with atomic single-use consumption
//   - DeviceAuthStore: device authorizations with atomic decision, poll and consume
//   - RefreshTokenStore: refresh tokens with atomic use marking and family revocation
//   - AccessTokenStore: issued access tokens with family revocation
//
// Every "atomic" method must be a single conditional write in the backing store, so that
// two concurrent callers in different processes cannot both succeed.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single-instance setups
//   - storage/valkey: Valkey/Redis storage using Lua scripts for conditional writes
//   - storage/postgres: PostgreSQL storage using conditional UPDATE statements
//   - storage/cache: a caching ClientStore decorator
package storage

// Package memory provides an in-memory implementation of the lockrs storage ports.
//
// Every port is backed by maps guarded by a single sync.RWMutex. The conditional writes
// the engine relies on (ConsumeAuthorizationCode, MarkRefreshTokenUsed,
// DecideDeviceAuthorization, ConsumeDeviceAuthorization) run entirely under the write
// lock, so they are atomic for all goroutines sharing one Store. Records are copied on
// the way in and out; callers never share memory with the store.
//
// The store also implements storage.UserAuthenticator with bcrypt password hashes and
// storage.Sweeper. A background loop calls DeleteExpired on the cleanup interval.
//
// It is suitable for development, testing, and single-instance deployments. Multi-instance
// deployments need storage/valkey or storage/postgres.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(server.Stores{
//		Clients:       store,
//		Codes:         store,
//		Devices:       store,
//		RefreshTokens: store,
//		AccessTokens:  store,
//		Users:         store,
//	}, keys, cfg, logger)
package memory

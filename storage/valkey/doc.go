// Package valkey provides a Valkey storage backend for the lockrs authorization engine.
//
// Valkey is wire-compatible with Redis. The Store type implements
// [storage.ClientRegistry], [storage.CodeStore], [storage.DeviceAuthStore],
// [storage.RefreshTokenStore], [storage.AccessTokenStore] and [storage.Sweeper].
//
// # Key Schema
//
// All keys use a configurable prefix (default "lockrs:"). Codes and tokens are
// addressed by the hex SHA-256 digest of their value:
//
//	{prefix}client:{clientID}               -> JSON(client)
//	{prefix}code:{sha256(code)}             -> JSON(authorization code)
//	{prefix}device:{sha256(deviceCode)}     -> JSON(device authorization)
//	{prefix}usercode:{userCode}             -> sha256(deviceCode)
//	{prefix}refresh:{sha256(token)}         -> JSON(refresh token)
//	{prefix}access:{sha256(token)}          -> JSON(access token)
//	{prefix}family:{familyID}:refresh       -> SET of refresh token digests
//	{prefix}family:{familyID}:access        -> SET of access token digests
//	{prefix}family:{familyID}:revoked       -> revocation time
//
// Records expire through key TTLs set to their own expiry plus
// [Config.ExpiredRetention], so an expired code presented shortly after its
// expiry is reported as expired rather than unknown. Revoked family markers are kept
// for [Config.RevokedFamilyRetentionDays].
//
// # Atomicity
//
// Consuming codes, marking refresh tokens used, deciding and polling device
// authorizations and revoking families are Lua scripts, so each is one atomic step
// on the server. The family revocation script derives record keys from the family
// index, which requires a single node or a hash-tagged prefix on a cluster.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "lockrs:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey

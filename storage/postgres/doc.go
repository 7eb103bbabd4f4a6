// Package postgres provides a PostgreSQL storage backend for the lockrs authorization
// engine, built on pgx connection pools.
//
// The schema ships as embedded golang-migrate migrations; apply it with [Migrate]
// (or "lockrsctl migrate up") before calling [New].
//
// Codes, device codes and tokens are stored under their hex SHA-256 digest. Single-use
// transitions (consuming a code, marking a refresh token used, deciding or consuming
// a device authorization) are UPDATE statements whose WHERE clause carries the
// precondition, so the database serializes concurrent callers and exactly one wins.
// Saves into a token family and its revocation hold a transaction-scoped advisory lock
// on the family ID.
package postgres

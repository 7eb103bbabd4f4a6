// Package util holds small helpers shared by the engine packages.
//
// Key utilities:
//   - GenerateToken: opaque, URL-safe credential values (codes, tokens, device codes)
//   - SafeTruncate: prefix of a credential suitable for debug logging
//   - SplitScope / JoinScope: space-delimited scope strings
package util

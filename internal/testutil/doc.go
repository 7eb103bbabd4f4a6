// Package testutil provides test fixtures and a controllable clock for deterministic
// tests of the authorization engine.
package testutil

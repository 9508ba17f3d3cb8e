// Package testutil provides test utilities for sabermill, including:
//   - PostgreSQL container helpers for integration tests (postgres.go)
//   - Redis container helpers for integration tests (redis.go)
//   - Stat table fixtures shaped like the game's export (fixtures.go)
//   - Miniredis helpers for unit tests (miniredis.go)
//
// Integration test utilities require Docker and are gated behind the "integration"
// build tag. To run integration tests:
//
//	go test -tags=integration ./...
//
// Unit test helpers (miniredis) do not require Docker and work with regular tests.
package testutil

// Package storage persists per-identity documents (the posting ledger, the
// job schedule) and an append-only audit trail of finished runs.
//
// Documents are opaque JSON blobs rewritten wholesale on every mutation.
// Drivers: file, sqlite, redis, postgres, memory.
package storage

// Package storage persists the channels the bot serves.
//
// Drivers:
//   - "file": JSON snapshot plus an append-only journal, no database needed
//   - "sqlite": embedded SQLite database (modernc.org/sqlite)
//   - "postgres": PostgreSQL through a pgx connection pool
//
// Every driver implements Store with the same semantics; tests exercise
// the file and sqlite drivers against t.TempDir().
package storage

// Package storage persists account records and the fire audit trail.
//
// Drivers:
//   - "file": dependency-free snapshot + JSON Lines journal
//   - "sqlite": embedded SQLite via modernc.org/sqlite
//   - "postgres": pgx pool with golang-migrate schema management
package storage

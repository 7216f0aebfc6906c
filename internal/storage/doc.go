// Package storage is the durable item queue, delivery log and settings
// store consulted by the delivery orchestrator.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file": JSON snapshot for items/settings plus a JSONL delivery log
package storage

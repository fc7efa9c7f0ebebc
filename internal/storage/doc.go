// Package storage persists what must survive a restart: the user's settings,
// remembered decisions and an append-only audit trail of resolved items.
//
// Drivers:
//   - "file": JSON files (settings snapshot, remembered journal + snapshot, audit jsonl)
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//   - "memory" / "none": in-process only, nothing survives a restart
package storage

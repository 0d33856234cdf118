// Package storage is the persistence layer: opaque records and atomic counters
// keyed by (owner, name).
//
// Drivers:
//   - "memory": per-owner sharded maps (tests, ephemeral runs)
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "redis": shared store for multi-instance deploys
//
// Record values are opaque bytes; callers own encoding and encryption.
package storage

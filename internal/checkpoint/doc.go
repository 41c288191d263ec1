// Package checkpoint persists run snapshots for crash recovery.
//
// Checkpoints are append-only per run: every Save gets the next sequence
// number and a stored sequence is never overwritten. LoadLatest returns the
// newest complete checkpoint; a write that did not finish is never visible.
//
// Two stores are provided: FileStore (one JSON file per sequence, written to
// a temporary file, fsynced, then hard-linked into place) and MemoryStore
// for tests and ephemeral daemons.
package checkpoint

// Package storage persists the sequencer's event journal.
//
// Two backends exist: an append-only JSON Lines file and SQLite. Both
// keep records in append order and can return the most recent ones.
package storage

package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the journal store.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database (pure Go driver, WAL mode)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain caps the number of records kept. Older records are pruned
	// from time to time. 0 keeps everything.
	Retain int
}

// Record is one journal line: something that happened to a shard or to
// the sequencer during a run.
type Record struct {
	At      time.Time `json:"at"`
	Run     string    `json:"run"`
	Kind    string    `json:"kind"`
	ShardID uint64    `json:"shard_id,omitempty"`
	Shard   string    `json:"shard,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

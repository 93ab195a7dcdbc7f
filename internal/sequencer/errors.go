package sequencer

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateShard is returned when a shard name (or a queue entry)
	// is already live.
	ErrDuplicateShard = errors.New("sequencer: shard already live")
	ErrNilShard       = errors.New("sequencer: nil shard")
	ErrStopped        = errors.New("sequencer: stopped")
	ErrRunning        = errors.New("sequencer: loop already running")
	// ErrQueueInvariant means the scheduler state is corrupt. Run returns
	// it and does not continue.
	ErrQueueInvariant = errors.New("sequencer: queue invariant violated")
	// ErrClosed is returned by Yield.Wait once the sequencer has dropped
	// the coroutine.
	ErrClosed = errors.New("sequencer: shard closed")
)

// ShardFault describes a resumption that failed. The shard has already
// been removed when the fault is reported.
type ShardFault struct {
	ID    ShardID
	Name  string
	Err   error
	Panic any
	Stack string
}

func (f *ShardFault) Error() string {
	if f.Name != "" {
		return fmt.Sprintf("shard %d (%s): %v", f.ID, f.Name, f.Err)
	}
	return fmt.Sprintf("shard %d: %v", f.ID, f.Err)
}

func (f *ShardFault) Unwrap() error { return f.Err }

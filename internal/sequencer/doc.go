// Package sequencer runs many independently written, pausable shards of
// logic and merges their wake-ups into one time-ordered stream.
//
// A Shard is resumed once per due wake-up. Each resumption runs the
// shard up to its next suspension point and reports how long to sleep
// (After, Beats), when to wake (At), or that it is finished (Done). The
// Sequencer keeps one pending wake-up per shard in a min-heap ordered by
// target time, with ties resumed in insertion order.
//
// Shards run one at a time on the goroutine that calls Run (or Tick).
// Register, Cancel and Stop may be called from any goroutine, including
// from inside a shard body; they hand off to the loop through a locked
// admission buffer and a wake channel, so a registration that arrives
// while the loop is sleeping shortens the sleep.
//
// A shard that returns an error or panics is removed and reported
// through the log, the event bus and an optional fault handler; the
// remaining shards keep running.
package sequencer

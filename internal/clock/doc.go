// Package clock provides the time source used by the sequencer.
//
// Production code uses Real(). Tests use Fake(), whose time stands still
// until Advance is called, or Sim(), which jumps forward whenever
// something waits on it. Sim also backs the CLI's --simulate mode, which
// renders a score as fast as the shards can run.
package clock

// Package cue starts named patterns on a schedule.
//
// A cue is a trigger only: when it fires it builds a fresh shard and
// registers it with the sequencer under the cue's name. The sequencer does
// the timing from then on. If the previous instance of the cue is still
// playing, the trigger is skipped.
package cue

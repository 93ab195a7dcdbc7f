package sequencer

import (
	"fmt"
	"time"
)

type delayKind uint8

const (
	kindAfter delayKind = iota
	kindBeats
	kindAt
	kindDone
)

// Delay is what a shard returns from Resume: when it wants to run next,
// or that it is finished. The zero value is After(0), "as soon as
// possible".
type Delay struct {
	kind  delayKind
	d     time.Duration
	beats float64
	at    time.Time
}

// After schedules the next resumption d after the current pass time.
// Zero and negative durations mean "as soon as possible".
func After(d time.Duration) Delay { return Delay{kind: kindAfter, d: d} }

// Beats schedules the next resumption n beats from now at the tempo in
// effect when the delay is resolved.
func Beats(n float64) Delay { return Delay{kind: kindBeats, beats: n} }

// At schedules the next resumption at t. A time in the past is due
// immediately.
func At(t time.Time) Delay { return Delay{kind: kindAt, at: t} }

// Done terminates the shard.
func Done() Delay { return Delay{kind: kindDone} }

func (d Delay) IsDone() bool { return d.kind == kindDone }

// BeatCount returns the number of beats for a Beats delay.
func (d Delay) BeatCount() (float64, bool) {
	if d.kind != kindBeats {
		return 0, false
	}
	return d.beats, true
}

// resolve returns the absolute wake time, never earlier than now.
func (d Delay) resolve(now time.Time, bpm float64) time.Time {
	var at time.Time
	switch d.kind {
	case kindBeats:
		at = now.Add(BeatsToDuration(bpm, d.beats))
	case kindAt:
		at = d.at
	default:
		at = now.Add(d.d)
	}
	if at.Before(now) {
		return now
	}
	return at
}

func (d Delay) String() string {
	switch d.kind {
	case kindBeats:
		return fmt.Sprintf("Beats(%g)", d.beats)
	case kindAt:
		return "At(" + d.at.Format(time.RFC3339Nano) + ")"
	case kindDone:
		return "Done"
	default:
		return "After(" + d.d.String() + ")"
	}
}

// BeatsToDuration converts a beat count to wall time at bpm.
func BeatsToDuration(bpm, beats float64) time.Duration {
	if bpm <= 0 {
		return 0
	}
	return time.Duration(beats * 60 / bpm * float64(time.Second))
}

// DurationToBeats converts wall time to beats at bpm.
func DurationToBeats(bpm float64, d time.Duration) float64 {
	return d.Seconds() * bpm / 60
}

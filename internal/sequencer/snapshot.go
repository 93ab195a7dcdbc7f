package sequencer

import "sort"

// State is the loop's position in its state machine.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateDue
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateDue:
		return "due"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type ShardInfo struct {
	ID   ShardID
	Name string
}

// Snapshot is a point-in-time view for logs and diagnostics. Counters are
// best-effort and not a synchronization primitive.
type Snapshot struct {
	State   State
	BPM     float64
	Mode    Mode
	Pending int
	Active  []ShardInfo

	Registered       uint64
	Resumed          uint64
	Terminated       uint64
	Cancelled        uint64
	Faults           uint64
	LagWarnings      uint64
	ClockRegressions uint64
}

func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State: s.State(),
		BPM:   s.bpm,
		Mode:  s.mode,
	}
	snap.Active = make([]ShardInfo, 0, len(s.live))
	for _, h := range s.live {
		snap.Active = append(snap.Active, ShardInfo{ID: h.id, Name: h.name})
	}
	s.mu.Unlock()

	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].ID < snap.Active[j].ID })
	snap.Pending = int(s.pending.Load())
	snap.Registered = s.stats.registered.Load()
	snap.Resumed = s.stats.resumed.Load()
	snap.Terminated = s.stats.terminated.Load()
	snap.Cancelled = s.stats.cancelled.Load()
	snap.Faults = s.stats.faults.Load()
	snap.LagWarnings = s.stats.lagWarnings.Load()
	snap.ClockRegressions = s.stats.regressions.Load()
	return snap
}

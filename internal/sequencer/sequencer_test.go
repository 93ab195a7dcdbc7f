package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"patchbot/internal/clock"
	"patchbot/internal/eventbus"
)

func newTestSequencer(mode Mode, clk clock.Clock, opts ...Option) *Sequencer {
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(Config{BPM: 120, Mode: mode}, opts...)
}

// trace records resumptions. Shards run one at a time on the loop
// goroutine, but tests read it from the test goroutine after Run returns,
// so it is locked anyway.
type trace struct {
	mu  sync.Mutex
	got []string
	at  []time.Time
}

func (tr *trace) add(name string, at time.Time) {
	tr.mu.Lock()
	tr.got = append(tr.got, name)
	tr.at = append(tr.at, at)
	tr.mu.Unlock()
}

func (tr *trace) names() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.got...)
}

func (tr *trace) times() []time.Time {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]time.Time(nil), tr.at...)
}

// waitThenRecord waits d on its first resumption and records on the second.
func waitThenRecord(tr *trace, clk clock.Clock, name string, d time.Duration) Shard {
	return Steps(
		func(context.Context) (Delay, error) { return After(d), nil },
		func(context.Context) (Delay, error) {
			tr.add(name, clk.Now())
			return Done(), nil
		},
	)
}

func runUntilIdle(t *testing.T, s *Sequencer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestResumesInAscendingDelayOrder(t *testing.T) {
	t.Parallel()
	clk := clock.Sim(epoch)
	s := newTestSequencer(RunUntilIdle, clk)
	tr := &trace{}

	delays := map[string]time.Duration{
		"c": 30 * time.Millisecond,
		"a": 10 * time.Millisecond,
		"d": 40 * time.Millisecond,
		"b": 20 * time.Millisecond,
	}
	for _, name := range []string{"c", "a", "d", "b"} {
		if _, err := s.Register(waitThenRecord(tr, clk, name, delays[name])); err != nil {
			t.Fatal(err)
		}
	}
	runUntilIdle(t, s)

	if got := strings.Join(tr.names(), ""); got != "abcd" {
		t.Fatalf("order = %q, want abcd", got)
	}
	for i, at := range tr.times() {
		name := tr.names()[i]
		if want := epoch.Add(delays[name]); !at.Equal(want) {
			t.Fatalf("%s resumed at %v, want %v", name, at.Sub(epoch), delays[name])
		}
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after idle", s.Len())
	}
}

func TestEqualDueTimesResumeInRegistrationOrder(t *testing.T) {
	t.Parallel()
	const n = 25
	s := newTestSequencer(RunUntilIdle, clock.Fake(epoch))
	var got []int
	for i := 0; i < n; i++ {
		i := i
		_, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
			got = append(got, i)
			return Done(), nil
		}))
		if err != nil {
			t.Fatal(err)
		}
	}
	runUntilIdle(t, s)

	if len(got) != n {
		t.Fatalf("resumed %d shards, want %d", len(got), n)
	}
	for i, idx := range got {
		if idx != i {
			t.Fatalf("resumption %d was shard %d: %v", i, idx, got)
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunUntilIdle, clock.Fake(epoch))
	done, err := s.Register(ShardFunc(func(context.Context) (Delay, error) { return Done(), nil }))
	if err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)

	// Already terminated, unknown, and repeated cancels are all no-ops.
	s.Cancel(done)
	s.Cancel(done)
	s.Cancel(ShardID(9999))

	id, err := s.Register(ShardFunc(func(context.Context) (Delay, error) { return After(time.Hour), nil }))
	if err != nil {
		t.Fatal(err)
	}
	s.Cancel(id)
	s.Cancel(id)
	if s.Active(id) {
		t.Fatal("cancelled shard still active")
	}
	if snap := s.Snapshot(); snap.Cancelled != 1 {
		t.Fatalf("Cancelled = %d, want 1", snap.Cancelled)
	}
}

func TestTerminateOnFirstResumption(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(epoch)
	s := newTestSequencer(RunUntilIdle, clk)
	calls := 0
	id, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		calls++
		return Done(), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		if _, _, err := s.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("resumed %d times, want 1", calls)
	}
	if s.Active(id) {
		t.Fatal("terminated shard still active")
	}
}

func TestDynamicAdmissionTimedFromRegistration(t *testing.T) {
	t.Parallel()
	clk := clock.Sim(epoch)
	s := newTestSequencer(RunUntilIdle, clk)
	tr := &trace{}

	parent := Steps(
		func(context.Context) (Delay, error) { return After(10 * time.Millisecond), nil },
		func(context.Context) (Delay, error) {
			tr.add("parent", clk.Now())
			if _, err := s.Register(waitThenRecord(tr, clk, "child", 5*time.Millisecond)); err != nil {
				return Done(), err
			}
			return Done(), nil
		},
	)
	if _, err := s.Register(parent); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)

	names := tr.names()
	if strings.Join(names, ",") != "parent,child" {
		t.Fatalf("trace = %v", names)
	}
	times := tr.times()
	if want := epoch.Add(15 * time.Millisecond); !times[1].Equal(want) {
		t.Fatalf("child resumed at +%v, want +15ms", times[1].Sub(epoch))
	}
}

func TestInterleavingWithFIFOTieBreak(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Sim(epoch))
	var got []string

	aCalls := 0
	a := ShardFunc(func(context.Context) (Delay, error) {
		aCalls++
		got = append(got, "A")
		if aCalls == 3 {
			return Done(), nil
		}
		return After(0), nil
	})
	bCalls := 0
	b := ShardFunc(func(context.Context) (Delay, error) {
		bCalls++
		got = append(got, "B")
		if bCalls == 6 {
			s.Stop()
		}
		return After(0), nil
	})
	if _, err := s.Register(a, WithName("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(b, WithName("b")); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)

	if want := "ABABABBBB"; strings.Join(got, "") != want {
		t.Fatalf("interleaving = %s, want %s", strings.Join(got, ""), want)
	}
	if s.State() != StateStopped {
		t.Fatalf("State = %v, want stopped", s.State())
	}
}

func TestCancelBeforeLoopAdvances(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunUntilIdle, clock.Sim(epoch))
	resumed := 0
	c := ShardFunc(func(context.Context) (Delay, error) {
		resumed++
		return After(10 * time.Second), nil
	})
	closed := &closeCounter{Shard: c}
	id, err := s.Register(closed)
	if err != nil {
		t.Fatal(err)
	}
	s.Cancel(id)
	runUntilIdle(t, s)

	if resumed != 0 {
		t.Fatalf("cancelled shard resumed %d times", resumed)
	}
	if closed.n != 1 {
		t.Fatalf("Close called %d times, want 1", closed.n)
	}
}

type closeCounter struct {
	Shard
	n int
}

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

func TestEventsCarrySequencerTime(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.ShardRegistered, eventbus.ShardTerminated)
	defer unsub()

	s := newTestSequencer(RunUntilIdle, clock.Sim(epoch), WithBus(bus))
	calls := 0
	_, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		calls++
		if calls == 1 {
			return After(3 * time.Second), nil
		}
		return Done(), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)

	want := map[string]time.Time{
		eventbus.ShardRegistered: epoch,
		eventbus.ShardTerminated: epoch.Add(3 * time.Second),
	}
	for len(events) > 0 {
		e := <-events
		if !e.Time.Equal(want[e.Type]) {
			t.Fatalf("%s at %s, want %s", e.Type, e.Time, want[e.Type])
		}
		delete(want, e.Type)
	}
	if len(want) != 0 {
		t.Fatalf("missing events: %v", want)
	}
}

func TestFaultIsolation(t *testing.T) {
	t.Parallel()
	for _, panics := range []bool{false, true} {
		panics := panics
		t.Run(fmt.Sprintf("panic=%v", panics), func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			events, unsub := bus.Subscribe(64)
			defer unsub()

			var faults []*ShardFault
			s := newTestSequencer(RunForever, clock.Sim(epoch),
				WithBus(bus),
				WithFaultHandler(func(f *ShardFault) { faults = append(faults, f) }),
			)

			dCalls := 0
			d := ShardFunc(func(context.Context) (Delay, error) {
				dCalls++
				if dCalls == 2 {
					if panics {
						panic("boom")
					}
					return Done(), errors.New("boom")
				}
				return After(0), nil
			})
			eCalls := 0
			e := ShardFunc(func(context.Context) (Delay, error) {
				eCalls++
				if eCalls == 10 {
					s.Stop()
				}
				return After(0), nil
			})
			dID, _ := s.Register(d, WithName("d"))
			eID, _ := s.Register(e, WithName("e"))
			runUntilIdle(t, s)

			if dCalls != 2 {
				t.Fatalf("d resumed %d times, want 2", dCalls)
			}
			if eCalls != 10 {
				t.Fatalf("e resumed %d times, want 10", eCalls)
			}
			if s.Active(dID) {
				t.Fatal("faulted shard still active")
			}
			if !s.Active(eID) {
				t.Fatal("healthy shard was removed")
			}
			if len(faults) != 1 || faults[0].ID != dID || faults[0].Name != "d" {
				t.Fatalf("faults = %+v", faults)
			}
			if panics != (faults[0].Panic != nil) {
				t.Fatalf("Panic = %v", faults[0].Panic)
			}
			var f *ShardFault
			if !errors.As(error(faults[0]), &f) || !strings.Contains(f.Error(), "boom") {
				t.Fatalf("fault error = %v", faults[0])
			}

			sawFault := false
			for len(events) > 0 {
				if ev := <-events; ev.Type == eventbus.ShardFault && ev.ShardID == uint64(dID) {
					sawFault = true
				}
			}
			if !sawFault {
				t.Fatal("no shard.fault event published")
			}
		})
	}
}

func TestCancelFromOwnBodyFinishesResumption(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunUntilIdle, clock.Sim(epoch))
	var id ShardID
	calls := 0
	finished := false
	id, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		calls++
		if calls == 2 {
			s.Cancel(id)
			finished = true
		}
		return After(time.Millisecond), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)

	if calls != 2 || !finished {
		t.Fatalf("calls = %d finished = %v", calls, finished)
	}
	if s.Active(id) {
		t.Fatal("self-cancelled shard still active")
	}
}

func TestRegistrationInterruptsWait(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Real())
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		return After(time.Hour), nil
	})); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	waitForState(t, s, StateWaiting)
	resumed := make(chan struct{})
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		close(resumed)
		s.Stop()
		return Done(), nil
	})); err != nil {
		t.Fatal(err)
	}

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("late registration did not interrupt the wait")
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestIdleLoopWakesOnRegisterAndStop(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Real())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	waitForRunning(t, s)
	resumed := make(chan struct{})
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		close(resumed)
		return Done(), nil
	})); err != nil {
		t.Fatal(err)
	}
	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle loop did not pick up registration")
	}

	s.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not end an idle loop")
	}
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) { return Done(), nil })); !errors.Is(err, ErrStopped) {
		t.Fatalf("Register after Stop: %v", err)
	}
}

func TestRunReturnsContextError(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	waitForRunning(t, s)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored ctx cancellation")
	}
}

func TestRunAndTickAreExclusive(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Real())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	waitForRunning(t, s)

	if _, _, err := s.Tick(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("Tick during Run: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run: %v", err)
	}
	s.Stop()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunUntilIdle, clock.Fake(epoch))
	wait := func(context.Context) (Delay, error) { return After(time.Second), nil }
	id, err := s.Register(ShardFunc(wait), WithName("pulse"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(ShardFunc(wait), WithName("pulse")); !errors.Is(err, ErrDuplicateShard) {
		t.Fatalf("duplicate Register: %v", err)
	}
	if !s.CancelName("pulse") {
		t.Fatal("CancelName = false")
	}
	if s.Active(id) {
		t.Fatal("still active after CancelName")
	}
	if _, err := s.Register(ShardFunc(wait), WithName("pulse")); err != nil {
		t.Fatalf("Register after cancel: %v", err)
	}
	if _, err := s.Register(nil); !errors.Is(err, ErrNilShard) {
		t.Fatalf("Register(nil): %v", err)
	}
}

func TestQueueInvariantViolationAbortsRun(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunUntilIdle, clock.Fake(epoch))
	h := testHandle(77)
	if err := s.q.Insert(epoch, h); err != nil {
		t.Fatal(err)
	}
	s.admit.Add(h)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrQueueInvariant) {
		t.Fatalf("Run = %v, want ErrQueueInvariant", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("State = %v", s.State())
	}
}

func TestTickFiresOnlyWhatWasDue(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(epoch)
	s := newTestSequencer(RunForever, clk)
	var out []string
	_, err := s.Register(Coroutine(func(ctx context.Context, y *Yield) error {
		out = append(out, "a", "b")
		if err := y.Wait(After(time.Millisecond)); err != nil {
			return err
		}
		out = append(out, "c", "d")
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	next, ok, err := s.Tick(ctx)
	if err != nil || !ok || next != time.Millisecond {
		t.Fatalf("Tick = %v, %v, %v", next, ok, err)
	}
	if strings.Join(out, "") != "ab" {
		t.Fatalf("out = %v", out)
	}

	// No time passed: nothing fires.
	next, ok, _ = s.Tick(ctx)
	if !ok || next != time.Millisecond || strings.Join(out, "") != "ab" {
		t.Fatalf("idle Tick = %v, %v, out %v", next, ok, out)
	}

	clk.Advance(10 * time.Millisecond)
	if _, ok, _ = s.Tick(ctx); ok {
		t.Fatal("expected no pending entries")
	}
	if strings.Join(out, "") != "abcd" {
		t.Fatalf("out = %v", out)
	}
}

func TestTickDefersRequeuedDueShards(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Fake(epoch))
	calls := 0
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		calls++
		return After(0), nil
	})); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		next, ok, err := s.Tick(context.Background())
		if err != nil || !ok || next != 0 {
			t.Fatalf("Tick %d = %v, %v, %v", i, next, ok, err)
		}
		if calls != i {
			t.Fatalf("after tick %d calls = %d", i, calls)
		}
	}
}

func TestClockRegressionHoldsFiring(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(epoch)
	s := newTestSequencer(RunForever, clk)
	calls := 0
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		calls++
		return After(0), nil
	})); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, _, err := s.Tick(ctx); err != nil || calls != 1 {
		t.Fatalf("first Tick: calls %d err %v", calls, err)
	}

	clk.Set(epoch.Add(-time.Second))
	if _, _, err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick after regression: %v", err)
	}
	if calls != 1 {
		t.Fatalf("shard fired during regression: calls %d", calls)
	}
	if got := s.Snapshot().ClockRegressions; got != 1 {
		t.Fatalf("ClockRegressions = %d", got)
	}

	clk.Set(epoch.Add(time.Millisecond))
	if _, _, err := s.Tick(ctx); err != nil || calls != 2 {
		t.Fatalf("recovered Tick: calls %d err %v", calls, err)
	}
}

func TestBeatsFollowTempo(t *testing.T) {
	t.Parallel()
	clk := clock.Sim(epoch)
	s := newTestSequencer(RunUntilIdle, clk)
	tr := &trace{}
	beat := 0
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		tr.add("beat", clk.Now())
		beat++
		switch beat {
		case 1:
			return Beats(1), nil // 500ms at 120 bpm
		case 2:
			s.SetTempo(60)
			return Beats(1), nil // 1s at 60 bpm
		}
		return Done(), nil
	})); err != nil {
		t.Fatal(err)
	}
	runUntilIdle(t, s)

	times := tr.times()
	if len(times) != 3 {
		t.Fatalf("beats = %d", len(times))
	}
	if d := times[1].Sub(times[0]); d != 500*time.Millisecond {
		t.Fatalf("first beat = %v", d)
	}
	if d := times[2].Sub(times[1]); d != time.Second {
		t.Fatalf("second beat = %v", d)
	}
	if s.Tempo() != 60 {
		t.Fatalf("Tempo = %v", s.Tempo())
	}
}

func TestLagIsReported(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(epoch)
	s := newTestSequencer(RunForever, clk)
	if _, err := s.Register(ShardFunc(func(context.Context) (Delay, error) {
		return After(time.Millisecond), nil
	})); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_, _, _ = s.Tick(ctx)
	clk.Advance(time.Second)
	_, _, _ = s.Tick(ctx)
	if got := s.Snapshot().LagWarnings; got != 1 {
		t.Fatalf("LagWarnings = %d, want 1", got)
	}
}

func TestSnapshotAndClose(t *testing.T) {
	t.Parallel()
	s := newTestSequencer(RunForever, clock.Fake(epoch))
	held := &closeCounter{Shard: ShardFunc(func(context.Context) (Delay, error) { return After(time.Minute), nil })}
	queued := &closeCounter{Shard: ShardFunc(func(context.Context) (Delay, error) { return After(time.Minute), nil })}
	if _, err := s.Register(held, WithName("held")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(queued, WithName("queued")); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if snap.Pending != 1 || len(snap.Active) != 2 || snap.Active[0].Name != "held" || snap.BPM != 120 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if held.n != 1 || queued.n != 1 {
		t.Fatalf("Close counts held=%d queued=%d", held.n, queued.n)
	}
	if s.Len() != 0 {
		t.Fatalf("Len after Close = %d", s.Len())
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Mode{"": RunForever, "forever": RunForever, "until_idle": RunUntilIdle, " IDLE ": RunUntilIdle} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

func waitForRunning(t *testing.T, s *Sequencer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("loop never started")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForState(t *testing.T, s *Sequencer, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state stuck at %v, want %v", s.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

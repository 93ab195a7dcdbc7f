package sequencer

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"patchbot/internal/clock"
	"patchbot/internal/eventbus"
	logx "patchbot/pkg/logx"
)

const (
	DefaultBPM     = 120.0
	DefaultLagWarn = 10 * time.Millisecond

	// regressionRecheck is how long the loop waits before looking at the
	// clock again after it went backwards.
	regressionRecheck = 5 * time.Millisecond
	warnEvery         = time.Second
)

// Mode selects what Run does when no shard is pending.
type Mode int

const (
	// RunForever blocks until a shard is registered or Stop is called.
	RunForever Mode = iota
	// RunUntilIdle returns as soon as the shard set is empty.
	RunUntilIdle
)

func (m Mode) String() string {
	if m == RunUntilIdle {
		return "until_idle"
	}
	return "forever"
}

// ParseMode accepts "forever" and "until_idle" (empty means forever).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forever":
		return RunForever, nil
	case "until_idle", "until-idle", "idle":
		return RunUntilIdle, nil
	default:
		return RunForever, fmt.Errorf("unknown sequencer mode %q", s)
	}
}

// Config controls the sequencer. Zero values fall back to defaults.
type Config struct {
	BPM     float64
	Mode    Mode
	LagWarn time.Duration // 0 uses DefaultLagWarn; negative disables
}

// ShardID identifies a registered shard. IDs are never reused.
type ShardID uint64

type handle struct {
	id        ShardID
	name      string
	shard     Shard
	cancelled atomic.Bool
	closeOnce sync.Once
}

func (h *handle) release() {
	h.closeOnce.Do(func() { closeShard(h.shard) })
}

type Option func(*Sequencer)

func WithClock(c clock.Clock) Option { return func(s *Sequencer) { s.clock = c } }

func WithLogger(l logx.Logger) Option { return func(s *Sequencer) { s.log = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Sequencer) { s.bus = b } }

// WithFaultHandler installs a callback for shard faults. It runs on the
// loop goroutine after the shard has been removed.
func WithFaultHandler(fn func(*ShardFault)) Option {
	return func(s *Sequencer) { s.onFault = fn }
}

type RegisterOption func(*registerOptions)

type registerOptions struct {
	name string
}

// WithName gives the shard a name. Names are unique among live shards.
func WithName(name string) RegisterOption {
	return func(o *registerOptions) { o.name = strings.TrimSpace(name) }
}

// Sequencer is the scheduler loop. See the package documentation.
type Sequencer struct {
	clock   clock.Clock
	log     logx.Logger
	warn    logx.Logger
	bus     eventbus.Bus
	onFault func(*ShardFault)

	mu      sync.Mutex
	bpm     float64
	mode    Mode
	lagWarn time.Duration
	live    map[ShardID]*handle
	names   map[string]ShardID
	admit   *queue.Queue // *handle, registration order
	cancels *queue.Queue // *handle
	stopped bool

	wake    chan struct{}
	running atomic.Bool
	state   atomic.Int32
	nextID  atomic.Uint64
	pending atomic.Int64

	// Owned by the loop goroutine.
	q    *eventQueue
	last time.Time

	stats counters
}

type counters struct {
	registered  atomic.Uint64
	resumed     atomic.Uint64
	terminated  atomic.Uint64
	cancelled   atomic.Uint64
	faults      atomic.Uint64
	lagWarnings atomic.Uint64
	regressions atomic.Uint64
}

func New(cfg Config, opts ...Option) *Sequencer {
	s := &Sequencer{
		clock:   clock.Real(),
		live:    map[ShardID]*handle{},
		names:   map[string]ShardID{},
		admit:   queue.New(),
		cancels: queue.New(),
		wake:    make(chan struct{}, 1),
		q:       newEventQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.warn = s.log.Sometimes(warnEvery)
	s.Apply(cfg)
	s.state.Store(int32(StateIdle))
	return s
}

// Apply updates tempo, mode and lag threshold. Safe to call while running;
// the new tempo applies to Beats delays resolved from now on.
func (s *Sequencer) Apply(cfg Config) {
	if cfg.BPM <= 0 {
		cfg.BPM = DefaultBPM
	}
	if cfg.LagWarn == 0 {
		cfg.LagWarn = DefaultLagWarn
	}
	s.mu.Lock()
	s.bpm = cfg.BPM
	s.mode = cfg.Mode
	s.lagWarn = cfg.LagWarn
	s.mu.Unlock()
	s.signal()
}

// SetTempo changes the tempo used to resolve Beats delays.
func (s *Sequencer) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	s.mu.Lock()
	s.bpm = bpm
	s.mu.Unlock()
}

func (s *Sequencer) Tempo() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpm
}

func (s *Sequencer) settings() (bpm float64, mode Mode, lagWarn time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpm, s.mode, s.lagWarn
}

// Register admits a shard. Its first resumption is due at the time the
// loop picks it up, after any shard that is already due. Register may be
// called before Run, from another goroutine, or from inside a shard.
func (s *Sequencer) Register(shard Shard, opts ...RegisterOption) (ShardID, error) {
	if shard == nil {
		return 0, ErrNilShard
	}
	var ro registerOptions
	for _, o := range opts {
		o(&ro)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	if ro.name != "" {
		if id, ok := s.names[ro.name]; ok {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %q is shard %d", ErrDuplicateShard, ro.name, id)
		}
	}
	h := &handle{id: ShardID(s.nextID.Add(1)), name: ro.name, shard: shard}
	s.live[h.id] = h
	if h.name != "" {
		s.names[h.name] = h.id
	}
	s.admit.Add(h)
	s.mu.Unlock()

	s.signal()
	s.stats.registered.Add(1)
	s.publish(eventbus.ShardRegistered, h, "")
	s.log.Debug("shard registered", logx.Shard(uint64(h.id), h.name))
	return h.id, nil
}

// Cancel removes a shard. It is a no-op for unknown, finished or already
// cancelled shards. A shard that is being resumed finishes the current
// resumption first; it is never resumed again.
func (s *Sequencer) Cancel(id ShardID) {
	s.mu.Lock()
	h, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.forgetLocked(h)
	h.cancelled.Store(true)
	s.cancels.Add(h)
	s.mu.Unlock()

	s.signal()
	s.stats.cancelled.Add(1)
	s.publish(eventbus.ShardCancelled, h, "")
	s.log.Debug("shard cancelled", logx.Shard(uint64(h.id), h.name))
}

// CancelName cancels the live shard with the given name.
func (s *Sequencer) CancelName(name string) bool {
	s.mu.Lock()
	id, ok := s.names[strings.TrimSpace(name)]
	s.mu.Unlock()
	if ok {
		s.Cancel(id)
	}
	return ok
}

// Stop asks the loop to return at its next pass. It is idempotent, and
// Register fails with ErrStopped afterwards.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if !already {
		s.signal()
	}
}

func (s *Sequencer) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Active reports whether the shard is registered and not yet finished,
// cancelled or faulted.
func (s *Sequencer) Active(id ShardID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

// Len returns the number of active shards.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Sequencer) State() State { return State(s.state.Load()) }

func (s *Sequencer) setState(st State) { s.state.Store(int32(st)) }

func (s *Sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop on the calling goroutine until Stop is called, ctx
// is cancelled, or (in RunUntilIdle mode) no shard is left. It returns
// nil on a graceful stop and ctx.Err() on cancellation. Shard faults
// never surface here; only a corrupted queue does.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	s.log.Info("sequencer running")
	for {
		if s.stopRequested() {
			s.halt()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		now, regressed := s.observe()
		if err := s.drain(now); err != nil {
			return s.abort(err)
		}

		at, ok := s.q.PeekTime()
		if !ok {
			_, mode, _ := s.settings()
			s.setState(StateIdle)
			if mode == RunUntilIdle && s.admissionsEmpty() {
				s.log.Info("sequencer idle")
				return nil
			}
			select {
			case <-s.wake:
			case <-ctx.Done():
			}
			continue
		}

		if regressed {
			s.setState(StateWaiting)
			s.sleep(ctx, regressionRecheck)
			continue
		}
		if at.After(now) {
			s.setState(StateWaiting)
			s.sleep(ctx, at.Sub(now))
			continue
		}

		s.setState(StateDue)
		if err := s.fireNext(ctx, now); err != nil {
			return s.abort(err)
		}
	}
}

// Tick fires every entry that was due when the tick started, then
// returns the delay until the next pending entry (ok is false when none
// is pending). Shards requeued as due during the tick wait for the next
// Tick. Tick is for callers that drive time themselves; it must not be
// used while Run is active.
func (s *Sequencer) Tick(ctx context.Context) (next time.Duration, ok bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, false, ErrRunning
	}
	defer s.running.Store(false)
	if s.stopRequested() {
		return 0, false, ErrStopped
	}

	now, regressed := s.observe()
	if err := s.drain(now); err != nil {
		return 0, false, s.abort(err)
	}
	if !regressed {
		limit := s.q.seq
		for {
			e, ok := s.q.peek()
			if !ok || e.at.After(now) || e.seq > limit {
				break
			}
			if err := s.fireNext(ctx, now); err != nil {
				return 0, false, s.abort(err)
			}
			if err := s.drain(now); err != nil {
				return 0, false, s.abort(err)
			}
		}
	}
	s.setState(StateIdle)

	at, ok := s.q.PeekTime()
	if !ok {
		return 0, false, nil
	}
	if wait := at.Sub(now); wait > 0 {
		return wait, true, nil
	}
	return 0, true, nil
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-s.clock.After(d):
	case <-s.wake:
	case <-ctx.Done():
	}
}

// observe reads the clock. When the clock went backwards it returns the
// last good reading and regressed=true; nothing should fire on that pass.
func (s *Sequencer) observe() (time.Time, bool) {
	now := s.clock.Now()
	if !s.last.IsZero() && now.Before(s.last) {
		s.stats.regressions.Add(1)
		s.warn.Warn("clock went backwards; holding", logx.Duration("by", s.last.Sub(now)))
		return s.last, true
	}
	s.last = now
	return now, false
}

func (s *Sequencer) admissionsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admit.Length() == 0 && s.cancels.Length() == 0
}

// drain moves newly registered shards into the queue, due at now, and
// applies pending cancellations.
func (s *Sequencer) drain(now time.Time) error {
	s.mu.Lock()
	var admitted, cancelled []*handle
	for s.admit.Length() > 0 {
		admitted = append(admitted, s.admit.Remove().(*handle))
	}
	for s.cancels.Length() > 0 {
		cancelled = append(cancelled, s.cancels.Remove().(*handle))
	}
	s.mu.Unlock()

	defer func() { s.pending.Store(int64(s.q.Len())) }()
	for _, h := range admitted {
		if h.cancelled.Load() {
			h.release()
			continue
		}
		if err := s.q.Insert(now, h); err != nil {
			return err
		}
	}
	for _, h := range cancelled {
		s.q.RemoveShard(h.id)
		h.release()
	}
	return nil
}

// fireNext pops the earliest entry and resumes its shard once.
func (s *Sequencer) fireNext(ctx context.Context, now time.Time) error {
	e, ok := s.q.PopEarliest()
	if !ok {
		return nil
	}
	defer func() { s.pending.Store(int64(s.q.Len())) }()

	h := e.shard
	if h.cancelled.Load() {
		h.release()
		return nil
	}

	_, _, lagWarn := s.settings()
	if late := now.Sub(e.at); lagWarn > 0 && late > lagWarn {
		s.stats.lagWarnings.Add(1)
		s.warn.Warn("fell behind", logx.Shard(uint64(h.id), h.name), logx.Duration("late", late))
		s.publish(eventbus.SequencerLag, h, late.String())
	}

	d, fault := s.resume(ctx, h)
	s.stats.resumed.Add(1)

	switch {
	case fault != nil:
		s.fault(h, fault)
	case h.cancelled.Load():
		// Cancelled from inside its own body, or concurrently.
		h.release()
	case d.IsDone():
		s.retire(h)
	default:
		// Read after the resumption so a tempo change made by the shard
		// itself applies to its own delay.
		bpm, _, _ := s.settings()
		if err := s.q.Insert(d.resolve(now, bpm), h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) resume(ctx context.Context, h *handle) (d Delay, fault *ShardFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &ShardFault{
				ID:    h.id,
				Name:  h.name,
				Err:   fmt.Errorf("panic: %v", r),
				Panic: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	d, err := h.shard.Resume(ctx)
	if err != nil {
		return Delay{}, &ShardFault{ID: h.id, Name: h.name, Err: err}
	}
	return d, nil
}

// retire drops a shard that asked to terminate.
func (s *Sequencer) retire(h *handle) {
	s.mu.Lock()
	s.forgetLocked(h)
	s.mu.Unlock()
	h.release()
	s.stats.terminated.Add(1)
	s.publish(eventbus.ShardTerminated, h, "")
	s.log.Debug("shard terminated", logx.Shard(uint64(h.id), h.name))
}

func (s *Sequencer) fault(h *handle, f *ShardFault) {
	s.mu.Lock()
	s.forgetLocked(h)
	s.mu.Unlock()
	h.release()
	s.stats.faults.Add(1)
	s.publish(eventbus.ShardFault, h, f.Err.Error())
	s.log.Error("shard fault; removed",
		logx.Shard(uint64(h.id), h.name),
		logx.Err(f.Err),
		logx.Stack(f.Stack),
	)
	if s.onFault != nil {
		s.onFault(f)
	}
}

// forgetLocked removes h from the live set. Call with s.mu held.
func (s *Sequencer) forgetLocked(h *handle) {
	if cur, ok := s.live[h.id]; !ok || cur != h {
		return
	}
	delete(s.live, h.id)
	if h.name != "" && s.names[h.name] == h.id {
		delete(s.names, h.name)
	}
}

func (s *Sequencer) halt() {
	s.setState(StateStopped)
	s.publish(eventbus.SequencerStop, nil, "")
	s.log.Info("sequencer stopped", logx.Int("active", s.Len()))
}

func (s *Sequencer) abort(err error) error {
	err = fmt.Errorf("%w: %v", ErrQueueInvariant, err)
	s.setState(StateStopped)
	s.log.Error("sequencer aborted", logx.Err(err))
	return err
}

func (s *Sequencer) publish(typ string, h *handle, detail string) {
	e := eventbus.Event{Type: typ, Time: s.clock.Now(), Detail: detail}
	if h != nil {
		e.ShardID = uint64(h.id)
		e.Shard = h.name
	}
	s.bus.Publish(e)
}

// Close stops the sequencer and closes every shard it still holds. Call
// it after Run has returned.
func (s *Sequencer) Close() error {
	s.Stop()
	if s.running.Load() {
		return ErrRunning
	}

	s.mu.Lock()
	held := make([]*handle, 0, len(s.live))
	for _, h := range s.live {
		held = append(held, h)
	}
	for s.admit.Length() > 0 {
		held = append(held, s.admit.Remove().(*handle))
	}
	for s.cancels.Length() > 0 {
		held = append(held, s.cancels.Remove().(*handle))
	}
	s.live = map[ShardID]*handle{}
	s.names = map[string]ShardID{}
	s.mu.Unlock()

	held = append(held, s.q.handles()...)
	s.q = newEventQueue()
	s.pending.Store(0)
	for _, h := range held {
		h.release()
	}
	return nil
}

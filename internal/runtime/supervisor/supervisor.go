// Package supervisor runs the daemon's long-lived loops (sequencer, config
// watch, journal) under one context, recovering panics and restarting the
// loops that are allowed to self-heal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "patchbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	loops map[string]*loopStats
}

type loopStats struct {
	active   int
	runs     uint64
	restarts uint64
	panics   uint64
	lastErr  string
	started  time.Time
	uptime   time.Duration
}

// LoopInfo describes one named loop.
type LoopInfo struct {
	Name     string        `json:"name"`
	Active   bool          `json:"active"`
	Runs     uint64        `json:"runs"`
	Restarts uint64        `json:"restarts"`
	Panics   uint64        `json:"panics"`
	LastErr  string        `json:"last_err,omitempty"`
	Uptime   time.Duration `json:"uptime"`
}

type Snapshot struct {
	FirstError string     `json:"first_error,omitempty"`
	Loops      []LoopInfo `json:"loops"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every loop once any of them fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		loops:  map[string]*loopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first failure recorded, if any.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go runs fn once. A returned error (other than cancellation) or a panic
// is recorded as the supervisor's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runOnce(name, fn, false)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// runOnce runs fn with panic capture and keeps the stats for name.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error, restart bool) (err error) {
	s.noteStart(name, restart)
	s.log.Debug("loop started", logx.String("name", name))
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.notePanic(name)
			err = fmt.Errorf("panic: %v", r)
		}
		if errors.Is(err, context.Canceled) || (err != nil && s.ctx.Err() != nil) {
			err = nil
		}
		s.noteStop(name, err)
		s.log.Debug("loop stopped", logx.String("name", name), logx.Err(err))
	}()
	return fn(s.ctx)
}

type restartConfig struct {
	min, max    time.Duration
	maxRestarts int
}

type RestartOption func(*restartConfig)

// WithBackoff bounds the wait between restarts.
func WithBackoff(min, max time.Duration) RestartOption {
	return func(c *restartConfig) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. Zero means never.
func WithMaxRestarts(n int) RestartOption { return func(c *restartConfig) { c.maxRestarts = n } }

// GoRestart runs fn until it returns nil or the context ends, restarting
// it after errors and panics with doubling backoff. A loop that ran for
// a minute before failing starts again from the minimum backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartConfig{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.min {
		cfg.max = cfg.min
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.min
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.runOnce(name, fn, restarts > 0)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("loop gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			if time.Since(began) >= time.Minute {
				backoff = cfg.min
			}
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.max)
		}
	}()
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels every loop and waits for them to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) stats(name string) *loopStats {
	st := s.loops[name]
	if st == nil {
		st = &loopStats{}
		s.loops[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats(name)
	st.active++
	st.runs++
	if restart {
		st.restarts++
	}
	st.started = time.Now()
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats(name)
	st.active--
	st.uptime += time.Since(st.started)
	if err != nil {
		st.lastErr = err.Error()
	}
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.stats(name).panics++
	s.mu.Unlock()
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for name, st := range s.loops {
		snap.Loops = append(snap.Loops, LoopInfo{
			Name:     name,
			Active:   st.active > 0,
			Runs:     st.runs,
			Restarts: st.restarts,
			Panics:   st.panics,
			LastErr:  st.lastErr,
			Uptime:   st.uptime,
		})
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

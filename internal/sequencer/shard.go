package sequencer

import (
	"context"
	"fmt"
	"io"
)

// Shard is a unit of sequenced logic. Resume runs the shard from its last
// suspension point to the next one and reports when it wants to run
// again. A non-nil error (or a panic) removes the shard as faulted.
//
// Shards that hold resources may also implement io.Closer; Close is
// called exactly once when the shard leaves the sequencer for any reason.
type Shard interface {
	Resume(ctx context.Context) (Delay, error)
}

// ShardFunc adapts a plain function to Shard. The function keeps its own
// state between calls, usually in captured variables.
type ShardFunc func(ctx context.Context) (Delay, error)

func (f ShardFunc) Resume(ctx context.Context) (Delay, error) { return f(ctx) }

func closeShard(s Shard) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// StepFunc is one step of a Steps shard. It returns how long to wait
// before the next step runs.
type StepFunc func(ctx context.Context) (Delay, error)

// Steps runs each step once, in order. The shard terminates after the
// wait requested by the last step, or as soon as a step returns Done.
func Steps(steps ...StepFunc) Shard {
	return &stepShard{steps: steps}
}

type stepShard struct {
	steps []StepFunc
	next  int
}

func (s *stepShard) Resume(ctx context.Context) (Delay, error) {
	if s.next >= len(s.steps) {
		return Done(), nil
	}
	step := s.steps[s.next]
	s.next++
	return step(ctx)
}

// Forever restarts a fresh shard from factory whenever the current one
// terminates. The restart happens inside the same resumption, so there
// is no gap between iterations. If a fresh shard terminates before
// requesting any delay, Forever terminates too rather than spinning.
func Forever(factory func() Shard) Shard {
	return &foreverShard{factory: factory}
}

type foreverShard struct {
	factory func() Shard
	cur     Shard
	yielded bool
}

func (f *foreverShard) Resume(ctx context.Context) (Delay, error) {
	for {
		if f.cur == nil {
			f.cur = f.factory()
			if f.cur == nil {
				return Done(), nil
			}
			f.yielded = false
		}
		d, err := f.cur.Resume(ctx)
		if err != nil {
			return d, err
		}
		if !d.IsDone() {
			f.yielded = true
			return d, nil
		}
		productive := f.yielded
		closeShard(f.cur)
		f.cur = nil
		if !productive {
			return Done(), nil
		}
	}
}

func (f *foreverShard) Close() error {
	if f.cur != nil {
		closeShard(f.cur)
		f.cur = nil
	}
	return nil
}

// Measure wraps a shard whose delays are all Beats so that, once it
// terminates, one more wait pads the elapsed time to a whole measure of
// the given length. A non-beat delay from inner faults the shard.
func Measure(beats float64, inner Shard) Shard {
	return &measureShard{beats: beats, inner: inner}
}

type measureShard struct {
	beats float64
	total float64
	inner Shard
}

func (m *measureShard) Resume(ctx context.Context) (Delay, error) {
	if m.inner == nil {
		return Done(), nil
	}
	d, err := m.inner.Resume(ctx)
	if err != nil {
		return d, err
	}
	if d.IsDone() {
		closeShard(m.inner)
		m.inner = nil
		if rest := m.beats - m.total; rest > 0 {
			return Beats(rest), nil
		}
		return Done(), nil
	}
	n, ok := d.BeatCount()
	if !ok {
		return d, fmt.Errorf("measure: %v is not a beat delay", d)
	}
	m.total += n
	return d, nil
}

func (m *measureShard) Close() error {
	if m.inner != nil {
		closeShard(m.inner)
		m.inner = nil
	}
	return nil
}

// Deferred waits for delay before inner's first resumption.
func Deferred(delay Delay, inner Shard) Shard {
	return &deferredShard{delay: delay, inner: inner}
}

type deferredShard struct {
	delay  Delay
	inner  Shard
	waited bool
}

func (d *deferredShard) Resume(ctx context.Context) (Delay, error) {
	if !d.waited {
		d.waited = true
		return d.delay, nil
	}
	return d.inner.Resume(ctx)
}

func (d *deferredShard) Close() error {
	closeShard(d.inner)
	return nil
}

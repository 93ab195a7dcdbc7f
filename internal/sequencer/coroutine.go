package sequencer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Coroutine turns a straight-line body into a Shard. The body suspends by
// calling y.Wait(delay) and finishes by returning.
//
// The body runs on its own goroutine, but only between a Resume and the
// next Wait: the two goroutines hand control back and forth over
// unbuffered channels, so the body never runs concurrently with the
// sequencer or with another shard.
//
// When the sequencer drops the shard (cancel, fault, stop) the pending
// Wait returns ErrClosed and the body should return promptly.
func Coroutine(body func(ctx context.Context, y *Yield) error) Shard {
	return &coroutine{
		body:   body,
		resume: make(chan context.Context),
		yield:  make(chan outcome),
		done:   make(chan struct{}),
	}
}

// Yield is the body's handle on its coroutine.
type Yield struct {
	c   *coroutine
	ctx context.Context
}

// Context returns the context of the resumption currently running.
func (y *Yield) Context() context.Context { return y.ctx }

// Wait suspends the body until the sequencer resumes it after d.
// Wait(Done()) ends the shard; the call then returns ErrClosed.
func (y *Yield) Wait(d Delay) error {
	c := y.c
	select {
	case c.yield <- outcome{delay: d}:
	case <-c.done:
		return ErrClosed
	}
	select {
	case ctx := <-c.resume:
		y.ctx = ctx
		return nil
	case <-c.done:
		return ErrClosed
	}
}

type outcome struct {
	delay Delay
	err   error
	exit  bool
}

type coroutine struct {
	body   func(ctx context.Context, y *Yield) error
	resume chan context.Context
	yield  chan outcome
	done   chan struct{}

	// loop goroutine only
	started  bool
	finished bool

	closeOnce sync.Once
}

func (c *coroutine) Resume(ctx context.Context) (Delay, error) {
	if c.finished {
		return Done(), nil
	}
	if !c.started {
		c.started = true
		go c.run(ctx)
	} else {
		select {
		case c.resume <- ctx:
		case <-c.done:
			return Done(), ErrClosed
		}
	}
	select {
	case out := <-c.yield:
		if out.exit {
			c.finished = true
			return Done(), out.err
		}
		return out.delay, nil
	case <-c.done:
		return Done(), ErrClosed
	}
}

func (c *coroutine) run(ctx context.Context) {
	out := outcome{exit: true}
	defer func() {
		if r := recover(); r != nil {
			out = outcome{exit: true, err: fmt.Errorf("coroutine panic: %v\n%s", r, debug.Stack())}
		}
		select {
		case c.yield <- out:
		case <-c.done:
		}
	}()
	out.err = c.body(ctx, &Yield{c: c, ctx: ctx})
}

func (c *coroutine) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

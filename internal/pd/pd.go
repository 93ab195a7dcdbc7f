// Package pd builds and wires Pure Data patches remotely.
//
// Boxes are created on a Canvas and connected through their inlets and
// outlets. Creation is batched until Canvas.Render, so the placer sees the
// whole graph before choosing coordinates; afterwards the canvas is
// interactive and new boxes are sent immediately.
//
// A Pd and its canvases are not safe for concurrent mutation. Shards run
// one at a time on the sequencer, which is the intended caller.
package pd

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"patchbot/internal/fudi"
	"patchbot/internal/transport"
	logx "patchbot/pkg/logx"
)

// MainCanvas is the name of the top-level patch opened by the listener.
const MainCanvas = "__main__"

const defaultGUIPacing = 10 * time.Millisecond

// Pd is a client for one running Pure Data instance.
type Pd struct {
	sender transport.Sender
	log    logx.Logger
	warn   logx.Logger

	// Mouse events for GUI boxes must arrive spaced out, or Pd drops the
	// box in the wrong spot.
	gui *rate.Limiter

	newPlacer func() Placer
	main      *Canvas
	names     atomic.Int64

	sent   atomic.Uint64
	failed atomic.Uint64
}

type Option func(*Pd)

func WithLogger(log logx.Logger) Option { return func(p *Pd) { p.log = log } }

// WithGUIPacing sets the minimum gap between GUI creation commands. Zero
// disables pacing.
func WithGUIPacing(d time.Duration) Option {
	return func(p *Pd) {
		if d <= 0 {
			p.gui = nil
			return
		}
		p.gui = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithPlacer replaces the breadth-first placer. fn is called once per
// Render.
func WithPlacer(fn func() Placer) Option { return func(p *Pd) { p.newPlacer = fn } }

func New(sender transport.Sender, opts ...Option) *Pd {
	if sender == nil {
		sender = transport.Discard{}
	}
	p := &Pd{
		sender:    sender,
		gui:       rate.NewLimiter(rate.Every(defaultGUIPacing), 1),
		newPlacer: func() Placer { return NewBreadthFirst() },
	}
	p.names.Store(-1)
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pd"))
	p.warn = p.log.Sometimes(time.Second)
	// The listener patch already has the main canvas open.
	p.main = newCanvas(p, MainCanvas)
	return p
}

// Main returns the top-level canvas.
func (p *Pd) Main() *Canvas { return p.main }

// SendCmd encodes args as one message and sends it. Delivery is best
// effort: failures are logged and counted, never returned.
func (p *Pd) SendCmd(args ...any) {
	msg := fudi.Encode(args...)
	if p.log.Enabled(logx.LevelTrace) {
		p.log.Trace("send", logx.String("msg", string(msg)))
	}
	if err := p.sender.Send(msg); err != nil {
		p.failed.Add(1)
		p.warn.Warn("pd send failed", logx.String("msg", string(msg)), logx.Err(err))
		return
	}
	p.sent.Add(1)
}

// DSP switches audio processing on or off.
func (p *Pd) DSP(on bool) { p.SendCmd("pd", "dsp", on) }

// Stats returns the number of messages sent and dropped.
func (p *Pd) Stats() (sent, failed uint64) { return p.sent.Load(), p.failed.Load() }

// genName returns a selector unique within this client, e.g. _recv_3.
func (p *Pd) genName(prefix string) string {
	return "_" + prefix + "_" + strconv.FormatInt(p.names.Add(1), 10)
}

func (p *Pd) paceGUI() {
	if p.gui == nil {
		return
	}
	_ = p.gui.Wait(context.Background())
}

package app

import (
	"context"
	"fmt"
	"time"

	"patchbot/internal/transport"
	logx "patchbot/pkg/logx"
)

type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopIdle       StopReason = "idle"
	StopFatalError StopReason = "fatal_error"
)

// Stop shuts everything down in dependency order. Each step gets its own
// budget so one stuck component cannot hold up the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	a.step(ctx, "cues", 2*time.Second, func(c context.Context) error { a.cues.Stop(c); return nil })
	a.step(ctx, "sequencer", time.Second, func(context.Context) error { a.seq.Stop(); return nil })
	a.sup.Cancel()
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "shards", time.Second, func(context.Context) error { return a.seq.Close() })
	a.step(ctx, "transport", 3*time.Second, func(context.Context) error { return transport.Close(a.sender) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	if a.jrnl != nil {
		written, failed := a.jrnl.Stats()
		a.log.Debug("journal totals", logx.Uint64("written", written), logx.Uint64("failed", failed))
	}
	if tcp, ok := a.sender.(*transport.TCP); ok {
		written, dropped := tcp.Stats()
		a.log.Debug("transport totals", logx.Uint64("written", written), logx.Uint64("dropped", dropped))
	}
	sent, failed := a.pd.Stats()
	a.log.Info("stopped",
		logx.Uint64("pd_sent", sent),
		logx.Uint64("pd_failed", failed),
		logx.Uint64("events_dropped", a.bus.Dropped()))
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

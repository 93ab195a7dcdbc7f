package app

import (
	"context"
	"slices"
	"strings"

	"patchbot/internal/config"
	logx "patchbot/pkg/logx"
)

// startReload applies hot-reloaded config: logging, tempo and cues change
// live; transport and storage need a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields, changedCues := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(s string) bool { return slices.Contains(sections, s) }

	if has("logging") {
		if err := a.logs.Apply(effectiveLogging(next, a.opts)); err != nil {
			a.log.Warn("log file unavailable; console only", logx.Err(err))
		}
	}
	if has("sequencer") {
		cfg, err := sequencerConfig(next, a.opts.Simulate)
		if err != nil {
			a.log.Warn("invalid sequencer config; keeping previous", logx.Err(err))
		} else {
			a.seq.Apply(cfg)
		}
	}
	if has("transport") || has("storage") {
		a.log.Warn("transport/storage config changed; restart required for changes to take effect")
	}
	if has("timezone") {
		a.cues.Apply(next.Timezone)
	}
	if len(changedCues) > 0 {
		a.syncCues(next, changedCues)
	}

	out := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", out...)
}

// syncCues re-adds or removes the named cues to match cfg.
func (a *App) syncCues(cfg *config.Config, names []string) {
	want := map[string]config.CueConfig{}
	for _, c := range cfg.EnabledCues() {
		want[strings.TrimSpace(c.Name)] = c
	}
	for _, name := range names {
		c, ok := want[name]
		if !ok {
			a.cues.Remove(name)
			continue
		}
		if err := a.addCue(c); err != nil {
			a.log.Warn("cue update failed", logx.String("name", name), logx.Err(err))
		}
	}
}

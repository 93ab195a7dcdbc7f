// Package app wires patchbot together: config, logging, the Pd client,
// the sequencer and the services feeding it.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"patchbot/internal/clock"
	"patchbot/internal/config"
	"patchbot/internal/cue"
	"patchbot/internal/demo"
	"patchbot/internal/eventbus"
	"patchbot/internal/journal"
	"patchbot/internal/pd"
	"patchbot/internal/runtime/supervisor"
	"patchbot/internal/sequencer"
	"patchbot/internal/storage"
	"patchbot/internal/transport"
	logx "patchbot/pkg/logx"
)

// Options come from the command line and override the config file.
type Options struct {
	ConfigPath string
	// Pattern, if set, is played once at startup.
	Pattern string
	Args    []string
	// DryRun prints Pd messages instead of sending them.
	DryRun bool
	// Simulate runs on virtual time until no shard is left. Implies DryRun.
	Simulate bool
	LogLevel string
	Stdout   io.Writer
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	jrnl  *journal.Service

	clk      clock.Clock
	sender   transport.Sender
	pd       *pd.Pd
	seq      *sequencer.Sequencer
	cues     *cue.Service
	patterns *demo.Registry

	idle chan struct{}
}

func New(opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Simulate {
		opts.DryRun = true
	}

	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg := &config.Config{}
	if strings.TrimSpace(opts.ConfigPath) != "" {
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfgm.Commit(cfg)
	}
	if err := config.Validate(cfg, cue.CheckSchedule); err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(effectiveLogging(cfg, opts))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		opts:     opts,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		patterns: demo.NewRegistry(),
		idle:     make(chan struct{}),
	}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	st, err := cfg.Storage.Settings()
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      st.Driver,
		Path:        st.Path,
		BusyTimeout: st.BusyTimeout,
		Retain:      st.Retain,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	if store != nil {
		a.store = store
		a.jrnl = journal.New(store, a.bus, a.log)
		a.log.Info("journal enabled", logx.String("driver", st.Driver), logx.String("path", st.Path))
	}

	ts, err := cfg.Transport.Settings()
	if err != nil {
		return err
	}
	if a.opts.DryRun {
		ts.Driver = "stdout"
	}
	a.sender, err = transport.Open(transport.Config{
		Driver:      ts.Driver,
		Addr:        ts.Addr,
		DialTimeout: ts.DialTimeout,
	}, a.opts.Stdout, a.log)
	if err != nil {
		return err
	}
	pacing := ts.GUIPacing
	if a.opts.Simulate {
		pacing = 0
	}
	a.pd = pd.New(a.sender, pd.WithLogger(a.log), pd.WithGUIPacing(pacing))

	seqCfg, err := sequencerConfig(cfg, a.opts.Simulate)
	if err != nil {
		return err
	}
	a.clk = clock.Real()
	if a.opts.Simulate {
		a.clk = clock.Sim(time.Now())
	}
	a.seq = sequencer.New(seqCfg,
		sequencer.WithClock(a.clk),
		sequencer.WithLogger(a.log),
		sequencer.WithBus(a.bus),
	)

	a.cues = cue.New(a.seq, a.log)
	a.cues.Apply(cfg.Timezone)
	for _, c := range cfg.EnabledCues() {
		if err := a.addCue(c); err != nil {
			return err
		}
	}
	return nil
}

func sequencerConfig(cfg *config.Config, simulate bool) (sequencer.Config, error) {
	ss, err := cfg.Sequencer.Settings()
	if err != nil {
		return sequencer.Config{}, err
	}
	mode, err := sequencer.ParseMode(ss.Mode)
	if err != nil {
		return sequencer.Config{}, err
	}
	if simulate {
		mode = sequencer.RunUntilIdle
	}
	return sequencer.Config{BPM: ss.BPM, Mode: mode, LagWarn: ss.LagWarn}, nil
}

func effectiveLogging(cfg *config.Config, opts Options) logx.Config {
	lc := cfg.Logging.Logx()
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		lc.Level = lvl
	}
	return lc
}

func (a *App) addCue(c config.CueConfig) error {
	f, err := a.patterns.Build(c.Pattern, a.env(), c.Args)
	if err != nil {
		return fmt.Errorf("cue %s: %w", c.Name, err)
	}
	return a.cues.Add(c.Name, c.Schedule, cue.Factory(f))
}

func (a *App) env() demo.Env {
	return demo.Env{Pd: a.pd, Log: a.log}
}

// Sequencer exposes the running sequencer, mostly for tests.
func (a *App) Sequencer() *sequencer.Sequencer { return a.seq }

// Done is closed when the app's supervisor stops, through a fatal error
// or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Idle is closed when a run-until-idle sequencer has nothing left to do.
func (a *App) Idle() <-chan struct{} { return a.idle }

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg, cue.CheckSchedule); err != nil {
			return err
		}
		for _, c := range cfg.EnabledCues() {
			if _, ok := a.patterns.Lookup(c.Pattern); !ok {
				return fmt.Errorf("cue %s: unknown pattern %q", c.Name, c.Pattern)
			}
		}
		return nil
	})

	if a.jrnl != nil {
		a.sup.Go("journal", a.jrnl.Run)
	}
	a.startEventLog()

	if p := strings.TrimSpace(a.opts.Pattern); p != "" {
		f, err := a.patterns.Build(p, a.env(), a.opts.Args)
		if err != nil {
			return err
		}
		if _, err := a.seq.Register(f(), sequencer.WithName(p)); err != nil {
			return err
		}
		a.log.Info("pattern queued", logx.String("pattern", p), logx.Any("args", a.opts.Args))
	}

	a.sup.Go("sequencer", func(ctx context.Context) error {
		err := a.seq.Run(ctx)
		if err == nil && a.seq.State() == sequencer.StateIdle {
			close(a.idle)
		}
		return err
	})

	if a.opts.Simulate {
		a.log.Info("simulating; cues and config watch are off")
	} else {
		a.cues.Start(a.sup.Context())
		if strings.TrimSpace(a.opts.ConfigPath) != "" {
			a.startReload()
			a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithBackoff(time.Second, time.Minute))
		}
	}

	notifySystemd(a.log, sdReady)
	a.log.Info("patchbot started",
		logx.Float64("bpm", a.seq.Tempo()),
		logx.Int("cues", len(a.cues.Names())),
		logx.Bool("dry_run", a.opts.DryRun))
	return nil
}

// startEventLog mirrors shard lifecycle events at debug level. Lag has
// its own rate-limited warning in the sequencer.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128,
		eventbus.ShardRegistered, eventbus.ShardTerminated, eventbus.ShardCancelled,
		eventbus.ShardFault, eventbus.SequencerStop)
	a.sup.Go("eventbus.log", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.Shard(e.ShardID, e.Shard),
					logx.String("detail", e.Detail))
			}
		}
	})
}

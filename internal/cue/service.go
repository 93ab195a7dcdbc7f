package cue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"patchbot/internal/sequencer"
	logx "patchbot/pkg/logx"
)

// Registrar is the part of the sequencer cues need.
type Registrar interface {
	Register(shard sequencer.Shard, opts ...sequencer.RegisterOption) (sequencer.ShardID, error)
	CancelName(name string) bool
}

// Factory builds a fresh shard for one playing of a cue.
type Factory func() sequencer.Shard

type cueDef struct {
	name     string
	schedule Schedule
	factory  Factory
	entryID  cron.EntryID

	fired   atomic.Uint64
	skipped atomic.Uint64
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	seq Registrar

	tz      string
	loc     *time.Location
	c       *cron.Cron
	stopped chan struct{} // closed by Stop; ends the ctx watcher

	defs map[string]*cueDef
}

type CueInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Fired    uint64
	Skipped  uint64
	Schedule Kind
}

type Snapshot struct {
	Running  bool
	Timezone string
	Cues     []CueInfo
}

func New(seq Registrar, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:  log.With(logx.String("comp", "cue")),
		seq:  seq,
		defs: map[string]*cueDef{},
	}
}

// Apply sets the timezone for cron cues. A running service restarts its
// cron runner when the zone changes.
func (s *Service) Apply(timezone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timezone = strings.TrimSpace(timezone)
	if timezone == s.tz {
		return
	}
	s.tz = timezone
	if s.c != nil {
		s.restartLocked()
	}
}

// Add schedules (or replaces) the cue called name.
func (s *Service) Add(name, schedule string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("cue name required")
	}
	if factory == nil {
		return fmt.Errorf("cue %s: nil factory", name)
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("cue %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &cueDef{name: name, schedule: sc, factory: factory}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	if next := s.previewLocked(d, 3); next != "" {
		s.log.Debug("cue scheduled", logx.String("name", name), logx.String("spec", sc.Spec()), logx.String("next", next))
	}
	return nil
}

// AddOnce registers factory's shard right away, deferred until at. The
// wait happens inside the sequencer, so it follows the sequencer's clock.
func (s *Service) AddOnce(name string, at time.Time, factory Factory) (sequencer.ShardID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("cue name required")
	}
	if at.IsZero() {
		return 0, fmt.Errorf("cue %s: time required", name)
	}
	if factory == nil {
		return 0, fmt.Errorf("cue %s: nil factory", name)
	}
	sh := sequencer.Deferred(sequencer.At(at), factory())
	id, err := s.seq.Register(sh, sequencer.WithName(name))
	if err != nil {
		closeShard(sh)
		return 0, err
	}
	s.log.Debug("one-shot cue armed", logx.String("name", name), logx.Time("at", at))
	return id, nil
}

// Remove unschedules the cue and cancels its playing instance, if any.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if s.seq != nil && s.seq.CancelName(name) {
		removed = true
	}
	if removed {
		s.log.Debug("cue removed", logx.String("name", name))
	}
	return removed
}

// Names returns the scheduled cue names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Fire triggers the cue now, as if its schedule had come due.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cue %q not found", name)
	}
	return s.fire(d)
}

func (s *Service) fire(d *cueDef) error {
	sh := d.factory()
	if sh == nil {
		return fmt.Errorf("cue %s: factory returned nil", d.name)
	}
	_, err := s.seq.Register(sh, sequencer.WithName(d.name))
	switch {
	case err == nil:
		d.fired.Add(1)
		s.log.Debug("cue fired", logx.String("name", d.name))
		return nil
	case errors.Is(err, sequencer.ErrDuplicateShard):
		closeShard(sh)
		d.skipped.Add(1)
		s.log.Debug("cue skipped; previous instance still playing", logx.String("name", d.name))
		return nil
	default:
		closeShard(sh)
		return fmt.Errorf("cue %s: %w", d.name, err)
	}
}

func closeShard(sh sequencer.Shard) {
	if c, ok := sh.(io.Closer); ok {
		_ = c.Close()
	}
}

// Start begins triggering until Stop is called or ctx ends. It is a
// no-op if already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	stopped := make(chan struct{})
	s.stopped = stopped
	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.Stop(stopCtx)
		case <-stopped:
		}
	}()
	s.log.Info("cues started", logx.String("tz", s.loc.String()), logx.Int("cues", len(s.defs)))
}

// Stop halts triggering. Definitions are kept for the next Start; shards
// already registered keep playing.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.stopped != nil {
		close(s.stopped)
		s.stopped = nil
	}
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("cues stopped")
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("cue register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("cues restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) addCronLocked(d *cueDef) error {
	job := cron.FuncJob(func() {
		if err := s.fire(d); err != nil {
			s.log.Warn("cue trigger failed", logx.String("name", d.name), logx.Err(err))
		}
	})
	if d.schedule.Kind == KindInterval {
		d.entryID = s.c.Schedule(cron.Every(d.schedule.Every), job)
		return nil
	}
	id, err := s.c.AddJob(d.schedule.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists the next n trigger times for debug logs.
func (s *Service) previewLocked(d *cueDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := cronParser.Parse(d.schedule.Spec())
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.tz}
	if snap.Timezone == "" {
		snap.Timezone = time.Local.String()
	}
	for _, d := range s.defs {
		info := CueInfo{
			Name:     d.name,
			Spec:     d.schedule.Spec(),
			Fired:    d.fired.Load(),
			Skipped:  d.skipped.Load(),
			Schedule: d.schedule.Kind,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Cues = append(snap.Cues, info)
	}
	sort.Slice(snap.Cues, func(i, j int) bool { return snap.Cues[i].Name < snap.Cues[j].Name })
	return snap
}

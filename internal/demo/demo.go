// Package demo holds the built-in patterns cues and the CLI can play.
// Each pattern draws its patch on the main canvas when it first runs and
// then performs on the sequencer's timeline.
package demo

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"patchbot/internal/pd"
	"patchbot/internal/sequencer"
	logx "patchbot/pkg/logx"
)

// Env is what a pattern plays on.
type Env struct {
	Pd   *pd.Pd
	Rand *rand.Rand // nil seeds from the wall clock
	Log  logx.Logger
}

// Factory builds one fresh playing of a pattern.
type Factory func() sequencer.Shard

// Pattern is a named, parameterised piece.
type Pattern struct {
	Name  string
	Usage string
	// Build checks args and returns a factory. Nothing is sent to Pd
	// until a shard from the factory is resumed.
	Build func(env Env, args []string) (Factory, error)
}

type Registry struct {
	patterns map[string]Pattern
}

// NewRegistry returns a registry holding the built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{patterns: map[string]Pattern{}}
	r.Add(Pattern{Name: "swarm", Usage: "swarm [voices]", Build: buildSwarm})
	r.Add(Pattern{Name: "morse", Usage: "morse [phrase...]", Build: buildMorse})
	r.Add(Pattern{Name: "metronome", Usage: "metronome [beats] [accent-every]", Build: buildMetronome})
	return r
}

// Add registers p, replacing any pattern with the same name.
func (r *Registry) Add(p Pattern) {
	r.patterns[strings.ToLower(p.Name)] = p
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Lookup(name string) (Pattern, bool) {
	p, ok := r.patterns[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Build resolves name and builds its factory.
func (r *Registry) Build(name string, env Env, args []string) (Factory, error) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown pattern %q (have %s)", name, strings.Join(r.Names(), ", "))
	}
	if env.Pd == nil {
		return nil, fmt.Errorf("pattern %s: no pd client", p.Name)
	}
	if env.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		env.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	env.Log = env.Log.With(logx.String("pattern", p.Name))
	f, err := p.Build(env, args)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w (usage: %s)", p.Name, err, p.Usage)
	}
	return f, nil
}

// wait is y.Wait for a wall-clock duration.
func wait(y *sequencer.Yield, d time.Duration) error {
	return y.Wait(sequencer.After(d))
}

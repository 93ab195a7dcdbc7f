package demo

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"patchbot/internal/pd"
	"patchbot/internal/sequencer"
	logx "patchbot/pkg/logx"
)

const (
	swarmVoices   = 10
	swarmSettle   = 3 * time.Second
	swarmStep     = 50 * time.Millisecond
	swarmCutoff   = 6000
	swarmCutStep  = 25
	swarmBaseFreq = 440.0
)

// buildSwarm: detuned sawtooth voices through one low-pass filter whose
// cutoff sweeps down while the voices drift further apart.
func buildSwarm(env Env, args []string) (Factory, error) {
	voices := swarmVoices
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return nil, errors.New("voices must be a positive integer")
		}
		voices = n
	}
	return func() sequencer.Shard {
		return sequencer.Coroutine(func(ctx context.Context, y *sequencer.Yield) error {
			return playSwarm(env, voices, y)
		})
	}, nil
}

func playSwarm(env Env, voices int, y *sequencer.Yield) error {
	c := env.Pd.Main()
	c.Clear()
	hzs := make([]*pd.Recv, voices)
	for i := range hzs {
		hzs[i] = c.Recv("")
	}
	vol := c.Make("Times_", 0.04)
	for _, hz := range hzs {
		hz.Patch(c.Make("Phasor_", randFreq(env.Rand, swarmBaseFreq, 50))).Patch(vol)
	}
	lopf := c.Recv("lopf")
	lop := c.Make("Lop_", 10000)
	vol.Patch(lop)
	lopf.Out(0).Connect(lop.In(1))
	dac := c.Make("Dac_")
	lop.Patch(dac)
	lop.Out(0).Connect(dac.In(1))
	c.Render()

	env.Pd.DSP(true)
	env.Log.Debug("swarm drawn", logx.Int("voices", voices))
	if err := wait(y, swarmSettle); err != nil {
		return err
	}
	for i := 0; ; i++ {
		if err := wait(y, swarmStep); err != nil {
			return err
		}
		cutoff := swarmCutoff - i*swarmCutStep
		if cutoff < 0 {
			break
		}
		lopf.Send(cutoff)
		hzs[i%voices].Send(randFreq(env.Rand, swarmBaseFreq, float64(50+10*i)))
	}
	env.Pd.DSP(false)
	return nil
}

// randFreq picks uniformly within spread around base, never below zero.
func randFreq(r *rand.Rand, base, spread float64) float64 {
	return max(0, base+r.Float64()*spread-spread/2)
}

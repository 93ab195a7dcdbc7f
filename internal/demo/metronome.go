package demo

import (
	"context"
	"errors"
	"strconv"

	"patchbot/internal/sequencer"
)

const (
	clickFreq  = 880
	accentFreq = 1320
)

// buildMetronome clicks once per beat, so it follows tempo changes. A
// beat count of zero clicks until cancelled.
func buildMetronome(env Env, args []string) (Factory, error) {
	beats, accent := 0, 4
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return nil, errors.New("beats must be a non-negative integer")
		}
		beats = n
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return nil, errors.New("accent-every must be a positive integer")
		}
		accent = n
	}
	return func() sequencer.Shard {
		return sequencer.Coroutine(func(ctx context.Context, y *sequencer.Yield) error {
			return playMetronome(env, beats, accent, y)
		})
	}, nil
}

func playMetronome(env Env, beats, accent int, y *sequencer.Yield) error {
	c := env.Pd.Main()
	c.Clear()
	freq := c.Recv("")
	trig := c.Recv("")
	osc := freq.Patch(c.Make("Osc_", clickFreq))
	click := trig.Patch(c.Make("Vline_"))
	amp := c.Make("Times_")
	dac := c.Make("Dac_")
	osc.Patch(amp).Patch(dac)
	click.Out(0).Connect(amp.In(1))
	amp.Out(0).Connect(dac.In(1))
	c.Render()

	env.Pd.DSP(true)
	for i := 0; beats == 0 || i < beats; i++ {
		if i%accent == 0 {
			freq.Send(accentFreq)
		} else {
			freq.Send(clickFreq)
		}
		// Up in 2ms, down over 40ms starting at 2ms.
		trig.Send(1, 2, ",", 0, 40, 2)
		if err := y.Wait(sequencer.Beats(1)); err != nil {
			return err
		}
	}
	env.Pd.DSP(false)
	return nil
}

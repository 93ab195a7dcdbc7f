package demo

import (
	"context"
	"strings"
	"time"
	"unicode"

	"patchbot/internal/pd"
	"patchbot/internal/sequencer"
)

const (
	dih       = 100 * time.Millisecond
	dihBlank  = dih
	dahBlank  = 3 * dih
	wordBlank = 7 * dih

	defaultPhrase = "Here come dots"
)

var morseCode = func() map[rune]string {
	letters := []string{
		".-", "-...", "-.-.", "-..", ".", "..-.", "--.", "....", "..", ".---",
		"-.-", ".-..", "--", "-.", "---", ".--.", "--.-", ".-.", "...", "-", "..-",
		"...-", ".--", "-..-", "-.--", "--..",
	}
	digits := []string{
		"-----", ".----", "..---", "...--", "....-", ".....", "-....", "--...",
		"---..", "----.",
	}
	m := map[rune]string{'.': ".----", ',': "..---", '?': "...--"}
	for i, code := range letters {
		m['a'+rune(i)] = code
	}
	for i, code := range digits {
		m['0'+rune(i)] = code
	}
	return m
}()

// Morse returns the dots and dashes for r, or "" if it has none.
func Morse(r rune) string { return morseCode[unicode.ToLower(r)] }

// adsr is an envelope computed here and rendered by a [line~] in Pd.
type adsr struct {
	attack, decay, release time.Duration
	sustain                float64

	trigger *pd.Recv
	line    *pd.Box
}

func newADSR(c *pd.Canvas, attack, decay time.Duration, sustain float64, release time.Duration) *adsr {
	e := &adsr{attack: attack, decay: decay, sustain: sustain, release: release}
	e.trigger = c.Recv("")
	e.line = e.trigger.Patch(c.Make("Line_"))
	return e
}

func (e *adsr) ramp(level float64, over time.Duration) {
	e.trigger.Send(level, over.Milliseconds())
}

// pulse plays one note: attack, decay to sustain, hold for dur, release.
func (e *adsr) pulse(y *sequencer.Yield, dur time.Duration) error {
	e.ramp(1, e.attack)
	if err := wait(y, e.attack); err != nil {
		return err
	}
	e.ramp(e.sustain, e.decay)
	if err := wait(y, dur); err != nil {
		return err
	}
	e.ramp(0, e.release)
	return nil
}

func buildMorse(env Env, args []string) (Factory, error) {
	phrase := strings.Join(args, " ")
	if strings.TrimSpace(phrase) == "" {
		phrase = defaultPhrase
	}
	return func() sequencer.Shard {
		return sequencer.Coroutine(func(ctx context.Context, y *sequencer.Yield) error {
			return playMorse(env, phrase, y)
		})
	}, nil
}

func playMorse(env Env, phrase string, y *sequencer.Yield) error {
	c := env.Pd.Main()
	c.Clear()
	osc := c.Make("Osc_", 330)
	tap := newADSR(c, 20*time.Millisecond, 10*time.Millisecond, 0.8, 20*time.Millisecond)
	amp := c.Make("Times_")
	dac := c.Make("Dac_")
	osc.Patch(amp).Patch(dac)
	amp.Out(0).Connect(dac.In(1))
	tap.line.Out(0).Connect(amp.In(1))
	c.Render()

	env.Pd.DSP(true)
	for _, word := range strings.Fields(phrase) {
		for _, ch := range word {
			for _, sym := range Morse(ch) {
				dur := dihBlank
				if sym == '-' {
					dur = dahBlank
				}
				if err := tap.pulse(y, dur); err != nil {
					return err
				}
				if err := wait(y, dihBlank); err != nil {
					return err
				}
			}
			if err := wait(y, dahBlank); err != nil {
				return err
			}
		}
		if err := wait(y, dahBlank); err != nil {
			return err
		}
	}
	if err := wait(y, wordBlank); err != nil {
		return err
	}
	env.Pd.DSP(false)
	return nil
}

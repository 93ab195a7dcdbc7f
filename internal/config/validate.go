package config

import (
	"errors"
	"fmt"
	"strings"

	logx "patchbot/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks a decoded config. checkSchedule, when non-nil, is
// called for every enabled cue's schedule string.
func Validate(cfg *Config, checkSchedule func(string) error) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		fail("logging.level: unknown level %q", lvl)
	}

	ts, err := cfg.Transport.Settings()
	if err != nil {
		errs = append(errs, err)
	}
	switch ts.Driver {
	case "tcp", "stdout", "none":
	default:
		fail("transport.driver: unknown driver %q", ts.Driver)
	}

	if cfg.Sequencer.BPM < 0 {
		fail("sequencer.bpm must be > 0")
	}
	ss, err := cfg.Sequencer.Settings()
	if err != nil {
		errs = append(errs, err)
	}
	switch ss.Mode {
	case "forever", "until_idle", "until-idle", "idle":
	default:
		fail("sequencer.mode: unknown mode %q", ss.Mode)
	}

	st, err := cfg.Storage.Settings()
	if err != nil {
		errs = append(errs, err)
	}
	switch st.Driver {
	case "none", "file", "sqlite", "sqlite3":
	default:
		fail("storage.driver: unknown driver %q", st.Driver)
	}
	if st.Retain < 0 {
		fail("storage.retain must be >= 0")
	}

	seen := map[string]bool{}
	for i, c := range cfg.Cues {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			fail("cues[%d]: name is required", i)
			continue
		}
		if seen[name] {
			fail("cues[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(c.Pattern) == "" {
			fail("cues[%d] (%s): pattern is required", i, name)
		}
		if !c.IsEnabled() || checkSchedule == nil {
			continue
		}
		if err := checkSchedule(c.Schedule); err != nil {
			fail("cues[%d] (%s): schedule: %v", i, name, err)
		}
	}
	return errors.Join(errs...)
}

package config

import (
	"strings"
	"time"

	logx "patchbot/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Transport TransportConfig `json:"transport"`
	Sequencer SequencerConfig `json:"sequencer"`
	Storage   *StorageConfig  `json:"storage,omitempty"`

	// Timezone applies to cron cues. Empty means the local zone.
	Timezone string      `json:"timezone,omitempty"`
	Cues     []CueConfig `json:"cues,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx converts the section into the logger service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// TransportConfig selects where Pd messages go.
//
// Driver values:
//   - "tcp" (default): FUDI over TCP to a [netreceive] in Pd
//   - "stdout": one message per line on stdout (dry run)
//   - "none": messages are discarded
//
// Durations are Go duration strings. Defaults:
//   - addr: 127.0.0.1:2001
//   - dial_timeout: 2s
//   - gui_pacing: 10ms (minimum spacing of simulated GUI mouse events)
type TransportConfig struct {
	Driver      string `json:"driver,omitempty"`
	Addr        string `json:"addr,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
	GUIPacing   string `json:"gui_pacing,omitempty"`
}

type TransportSettings struct {
	Driver      string
	Addr        string
	DialTimeout time.Duration
	GUIPacing   time.Duration
}

const (
	DefaultTransportDriver = "tcp"
	DefaultPdAddr          = "127.0.0.1:2001"
	DefaultDialTimeout     = 2 * time.Second
	DefaultGUIPacing       = 10 * time.Millisecond
)

func (c TransportConfig) Settings() (TransportSettings, error) {
	out := TransportSettings{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Addr:   strings.TrimSpace(c.Addr),
	}
	if out.Driver == "" {
		out.Driver = DefaultTransportDriver
	}
	if out.Addr == "" {
		out.Addr = DefaultPdAddr
	}
	var err error
	if out.DialTimeout, err = ParseDurationOrDefault("transport.dial_timeout", c.DialTimeout, DefaultDialTimeout); err != nil {
		return out, err
	}
	if out.GUIPacing, err = ParseDurationOrDefault("transport.gui_pacing", c.GUIPacing, DefaultGUIPacing); err != nil {
		return out, err
	}
	return out, nil
}

// SequencerConfig controls the scheduler loop.
//
// Defaults:
//   - bpm: 120
//   - mode: "forever" (or "until_idle": exit once no shard is left)
//   - lag_warn: "10ms"; "off" disables lag warnings
type SequencerConfig struct {
	BPM     float64 `json:"bpm,omitempty"`
	Mode    string  `json:"mode,omitempty"`
	LagWarn string  `json:"lag_warn,omitempty"`
}

type SequencerSettings struct {
	BPM     float64
	Mode    string
	LagWarn time.Duration // negative disables
}

const (
	DefaultBPM     = 120.0
	DefaultMode    = "forever"
	DefaultLagWarn = 10 * time.Millisecond
)

func (c SequencerConfig) Settings() (SequencerSettings, error) {
	out := SequencerSettings{BPM: c.BPM, Mode: strings.ToLower(strings.TrimSpace(c.Mode))}
	if out.BPM == 0 {
		out.BPM = DefaultBPM
	}
	if out.Mode == "" {
		out.Mode = DefaultMode
	}
	if strings.EqualFold(strings.TrimSpace(c.LagWarn), "off") {
		out.LagWarn = -1
		return out, nil
	}
	lag, err := ParseDurationOrDefault("sequencer.lag_warn", c.LagWarn, DefaultLagWarn)
	if err != nil {
		return out, err
	}
	out.LagWarn = lag
	return out, nil
}

// StorageConfig controls the event journal. Omitting the section (or
// driver "none") disables it.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retain caps the journal at this many records; 0 keeps everything.
	Retain int `json:"retain,omitempty"`
}

type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	Retain      int
}

func (c *StorageConfig) Settings() (StorageSettings, error) {
	if c == nil {
		return StorageSettings{Driver: "none"}, nil
	}
	out := StorageSettings{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   strings.TrimSpace(c.Path),
		Retain: c.Retain,
	}
	if out.Driver == "" {
		out.Driver = "none"
	}
	if out.Path == "" {
		switch out.Driver {
		case "file":
			out.Path = "./data/journal.jsonl"
		case "sqlite", "sqlite3":
			out.Path = "./data/journal.db"
		}
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = bt
	return out, nil
}

// CueConfig starts a named pattern on a schedule. Schedule accepts a cron
// expression, a Go duration ("30s"), "HH:MM", or the "cron:", "every:"
// and "interval:" prefixes.
type CueConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Pattern  string   `json:"pattern"`
	Args     []string `json:"args,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (c CueConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// EnabledCues returns the cues that should be scheduled.
func (c *Config) EnabledCues() []CueConfig {
	if c == nil {
		return nil
	}
	out := make([]CueConfig, 0, len(c.Cues))
	for _, cue := range c.Cues {
		if cue.IsEnabled() {
			out = append(out, cue)
		}
	}
	return out
}

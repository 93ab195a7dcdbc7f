package config

import (
	"reflect"
	"sort"
	"strings"

	logx "patchbot/pkg/logx"
)

// SummarizeConfigChange returns the sections that differ between two
// configs, log fields describing the new values, and the names of cues
// that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		ts, _ := newCfg.Transport.Settings()
		fields = append(fields,
			logx.String("transport.driver", ts.Driver),
			logx.String("transport.addr", ts.Addr),
		)
	}

	if oldCfg.Sequencer != newCfg.Sequencer {
		changed = append(changed, "sequencer")
		ss, _ := newCfg.Sequencer.Settings()
		fields = append(fields,
			logx.Float64("sequencer.bpm", ss.BPM),
			logx.String("sequencer.mode", ss.Mode),
			logx.Duration("sequencer.lag_warn", ss.LagWarn),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		st, _ := newCfg.Storage.Settings()
		fields = append(fields, logx.String("storage.driver", st.Driver))
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		fields = append(fields, logx.String("timezone", newCfg.Timezone))
	}

	cues := changedCues(oldCfg.Cues, newCfg.Cues)
	if len(cues) > 0 {
		changed = append(changed, "cues")
		fields = append(fields, logx.Int("cues.changed", len(cues)))
	}
	return changed, fields, cues
}

func changedCues(oldList, newList []CueConfig) []string {
	index := func(list []CueConfig) map[string]CueConfig {
		m := make(map[string]CueConfig, len(list))
		for _, c := range list {
			m[strings.TrimSpace(c.Name)] = c
		}
		return m
	}
	before, after := index(oldList), index(newList)

	var out []string
	for name, o := range before {
		n, ok := after[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

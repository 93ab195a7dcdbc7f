package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"patchbot/internal/config"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patchbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSimulatePlaysPatternUntilIdle(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	a, err := New(Options{
		Simulate: true,
		Pattern:  "metronome",
		Args:     []string{"2"},
		LogLevel: "error",
		Stdout:   out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Idle():
	case <-time.After(5 * time.Second):
		t.Fatal("simulation did not finish")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopIdle); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err = %v", a.Err())
	}

	got := out.String()
	for _, want := range []string{"pd-__main__ clear;\n", "pd dsp 1;\n", "_recv_1 1 2 , 0 40 2;\n", "pd dsp 0;\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output lacks %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "_recv_1 1 2") != 2 {
		t.Fatalf("expected two clicks:\n%s", got)
	}
}

func TestApplyConfigUpdatesTempoAndCues(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
logging:
  level: error
sequencer:
  bpm: 120
cues:
  - name: pulse
    schedule: 1h
    pattern: metronome
    args: ["4"]
`)
	a, err := New(Options{ConfigPath: path, DryRun: true, Stdout: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.logs.Close() })
	if names := a.cues.Names(); len(names) != 1 || names[0] != "pulse" {
		t.Fatalf("cues = %v", names)
	}

	prev := a.cfgm.Get()
	next, err := config.Decode("patchbot.yaml", []byte(`
logging:
  level: error
sequencer:
  bpm: 90
cues:
  - name: dawn
    schedule: "0 6 * * *"
    pattern: morse
    args: ["sos"]
`))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(prev, next)

	if a.seq.Tempo() != 90 {
		t.Fatalf("tempo = %v", a.seq.Tempo())
	}
	if names := a.cues.Names(); len(names) != 1 || names[0] != "dawn" {
		t.Fatalf("cues after reload = %v", names)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown pattern": "cues:\n  - name: x\n    schedule: 1m\n    pattern: polka\n",
		"bad schedule":    "cues:\n  - name: x\n    schedule: whenever\n    pattern: swarm\n",
		"bad mode":        "sequencer:\n  mode: sometimes\n",
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(Options{ConfigPath: writeConfig(t, body), DryRun: true, Stdout: io.Discard}); err == nil {
				t.Fatal("New succeeded")
			}
		})
	}
	a, err := New(Options{Pattern: "nope", Simulate: true, LogLevel: "error", Stdout: io.Discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start accepted an unknown pattern")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopFatalError)
}

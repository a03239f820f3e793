// Package testutil holds shared helpers for package tests.
package testutil

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/shaban/scdeck/session"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// Logger returns a zap logger wired to the test's log output.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

// DemoSession builds a small but fully wired session: two instruments (one
// with filter, EQ, an effect chain and a send), a reverb bus next to the main
// bus, and an active layer group.
func DemoSession() *session.Session {
	s := session.New("demo")
	reverb := s.AddMixerBus("reverb")
	grp := s.AddLayerGroup("pads")

	lead := s.AddInstrument("lead", "scdeck-saw")
	lead.Polyphony = 4
	lead.Filter = &session.FilterSettings{Kind: "lowpass", Cutoff: 2000, Resonance: 0.3}
	lead.EQ = &session.EQSettings{LowGain: 0, MidGain: 1.5, HighGain: -2}
	lead.Effects = append(lead.Effects, &session.Effect{
		ID:       "fx-chorus",
		Name:     "chorus",
		SynthDef: "scdeck-chorus",
		Enabled:  true,
		Params:   map[string]float32{"mix": 0.4},
	})
	lead.Sends = append(lead.Sends, &session.Send{TargetBusID: reverb.ID, Level: 0.25})

	pad := s.AddInstrument("pad", "scdeck-pad")
	pad.Polyphony = 8
	pad.LayerGroupID = grp.ID

	return s
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SCDECK_CONFIG", "")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "scsynth", c.Server.Binary)
	require.Equal(t, "127.0.0.1:57110", c.Server.Address)
	require.Equal(t, 57110, c.Server.Port)
	require.Equal(t, 4096, c.Server.MaxNodes)
	require.Equal(t, 2, c.Server.OutputChans)
	require.Equal(t, 512, c.Loop.PriorityQueueSize)
	require.Equal(t, 256, c.Loop.RoutineQueueSize)
	require.NotEmpty(t, c.SynthDef.BuiltinDir)
	require.NotEmpty(t, c.SynthDef.CustomDir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := []byte("[server]\nport = 57220\naddress = \"127.0.0.1:57220\"\nsample_rate = 48000\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Setenv("HOME", dir)
	t.Setenv("SCDECK_CONFIG", path)

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 57220, c.Server.Port)
	require.Equal(t, "127.0.0.1:57220", c.Server.Address)
	require.Equal(t, 48000, c.Server.SampleRate)
	// Untouched keys keep their defaults.
	require.Equal(t, "scsynth", c.Server.Binary)
}

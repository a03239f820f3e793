// Package config loads scdeck configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds control-plane configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	SynthDef SynthDefConfig `mapstructure:"synthdef"`
	Loop     LoopConfig     `mapstructure:"loop"`
}

// ServerConfig holds scsynth process and connection settings.
type ServerConfig struct {
	Binary      string `mapstructure:"binary"`
	SclangBin   string `mapstructure:"sclang_bin"`
	Address     string `mapstructure:"address"`
	Port        int    `mapstructure:"port"`
	SampleRate  int    `mapstructure:"sample_rate"`
	BufferSize  int    `mapstructure:"buffer_size"`
	MaxNodes    int    `mapstructure:"max_nodes"`
	OutputChans int    `mapstructure:"output_chans"`
}

// SynthDefConfig holds the synth-definition directories: the built-in
// library shipped with scdeck and the user's custom directory, which is
// watched for changes.
type SynthDefConfig struct {
	BuiltinDir string `mapstructure:"builtin_dir"`
	CustomDir  string `mapstructure:"custom_dir"`
	SourceDir  string `mapstructure:"source_dir"`
}

// LoopConfig holds control loop tuning.
type LoopConfig struct {
	PriorityQueueSize int `mapstructure:"priority_queue_size"`
	RoutineQueueSize  int `mapstructure:"routine_queue_size"`
	SenderQueueSize   int `mapstructure:"sender_queue_size"`
}

// Load reads configuration from file and env. Env var overrides use prefix
// SCDECK_.
func Load() (Config, error) {
	v := viper.New()

	home := os.Getenv("HOME")
	v.SetDefault("server.binary", "scsynth")
	v.SetDefault("server.sclang_bin", "sclang")
	v.SetDefault("server.address", "127.0.0.1:57110")
	v.SetDefault("server.port", 57110)
	v.SetDefault("server.sample_rate", 0)
	v.SetDefault("server.buffer_size", 0)
	v.SetDefault("server.max_nodes", 4096)
	v.SetDefault("server.output_chans", 2)
	v.SetDefault("synthdef.builtin_dir", filepath.Join(home, ".local", "share", "scdeck", "synthdefs"))
	v.SetDefault("synthdef.custom_dir", filepath.Join(home, ".config", "scdeck", "synthdefs"))
	v.SetDefault("synthdef.source_dir", filepath.Join(home, ".config", "scdeck", "synthdef-src"))
	v.SetDefault("loop.priority_queue_size", 512)
	v.SetDefault("loop.routine_queue_size", 256)
	v.SetDefault("loop.sender_queue_size", 256)

	v.SetConfigType("toml")
	if cfgPath := os.Getenv("SCDECK_CONFIG"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(home, ".config", "scdeck"))
		v.SetConfigName("config")
	}
	v.SetEnvPrefix("SCDECK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

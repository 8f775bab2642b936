package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when no source sets a value.
const (
	DefaultPort             = 8080
	DefaultHostname         = "127.0.0.1"
	DefaultReplayBufferSize = 600
	DefaultDedupeLimit      = 1000
	DefaultSocketQueue      = 256
	DefaultAutosave         = 5 * time.Second
	DefaultWatchDebounce    = 200 * time.Millisecond
	DefaultLogLevel         = "INFO"
)

// Config is the complete bridge configuration.
type Config struct {
	Schema  string        `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Bridge  BridgeConfig  `json:"bridge" yaml:"bridge"`
	Persist PersistConfig `json:"persist" yaml:"persist"`
	Watch   WatchConfig   `json:"watch" yaml:"watch"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int      `json:"port,omitempty" yaml:"port,omitempty"`
	Hostname       string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	CORS           *bool    `json:"cors,omitempty" yaml:"cors,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// BridgeConfig sizes the per-session buffers.
type BridgeConfig struct {
	ReplayBufferSize int `json:"replay_buffer_size,omitempty" yaml:"replay_buffer_size,omitempty"`
	DedupeLimit      int `json:"dedupe_limit,omitempty" yaml:"dedupe_limit,omitempty"`
	// SocketQueue bounds the frames waiting to be written to one WebSocket.
	SocketQueue int `json:"socket_queue,omitempty" yaml:"socket_queue,omitempty"`
}

// PersistConfig controls session persistence.
type PersistConfig struct {
	Enabled          *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Dir              string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	AutosaveInterval Duration `json:"autosave_interval,omitempty" yaml:"autosave_interval,omitempty"`
}

// WatchConfig maps sessions to workspace directories whose changes are
// reported to observers.
type WatchConfig struct {
	Directories map[string]string `json:"directories,omitempty" yaml:"directories,omitempty"`
	Ignore      []string          `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	Debounce    Duration          `json:"debounce,omitempty" yaml:"debounce,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty *bool  `json:"pretty,omitempty" yaml:"pretty,omitempty"`
	File   *bool  `json:"file,omitempty" yaml:"file,omitempty"`
	Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Hostname == "" {
		c.Server.Hostname = DefaultHostname
	}
	if c.Bridge.ReplayBufferSize <= 0 {
		c.Bridge.ReplayBufferSize = DefaultReplayBufferSize
	}
	if c.Bridge.DedupeLimit <= 0 {
		c.Bridge.DedupeLimit = DefaultDedupeLimit
	}
	if c.Bridge.SocketQueue <= 0 {
		c.Bridge.SocketQueue = DefaultSocketQueue
	}
	if c.Persist.Dir == "" {
		c.Persist.Dir = GetPaths().StoragePath()
	}
	if c.Persist.AutosaveInterval <= 0 {
		c.Persist.AutosaveInterval = Duration(DefaultAutosave)
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = Duration(DefaultWatchDebounce)
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// CORSEnabled reports whether CORS headers are served. Defaults to true.
func (s ServerConfig) CORSEnabled() bool {
	return s.CORS == nil || *s.CORS
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// IsEnabled reports whether sessions are persisted. Defaults to true.
func (p PersistConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Duration is a time.Duration that decodes from "5s" style strings or from
// a number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.ParseFloat(node.Value, 64); err == nil && node.Tag != "!!str" {
		return d.set(n)
	}
	return d.set(node.Value)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

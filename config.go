// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package h2mux

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from configuration files as a string like "1s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) (err error) {
	d.Duration, err = time.ParseDuration(strings.TrimSpace(string(b)))
	return errors.WithStack(err)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.WithStack(err)
	}
	return d.UnmarshalText([]byte(s))
}

// Config holds the parameters of a Conn and of the blocking adapters.
type Config struct {
	// Settings are announced to the peer in the initial SETTINGS frame.
	Settings Settings `toml:"settings" yaml:"settings"`
	// ConnWindowSize is the connection receive window. Values above the
	// protocol default are announced with a WINDOW_UPDATE at start.
	ConnWindowSize uint32 `toml:"conn_window_size" yaml:"conn_window_size"`
	// MaxHeaderBlockSize bounds the assembled fragments of one inbound header block.
	MaxHeaderBlockSize int `toml:"max_header_block_size" yaml:"max_header_block_size"`
	// MaxSendBuffer bounds the outbound bytes queued per stream.
	MaxSendBuffer int `toml:"max_send_buffer" yaml:"max_send_buffer"`
	// ClosedStreamRetention is how many closed streams are remembered.
	ClosedStreamRetention int `toml:"closed_stream_retention" yaml:"closed_stream_retention"`
	// ClosedStreamGrace is how long frames for a remembered closed stream are ignored.
	ClosedStreamGrace Duration `toml:"closed_stream_grace" yaml:"closed_stream_grace"`
	// ReadBufferSize is the size of transport reads.
	ReadBufferSize int `toml:"read_buffer_size" yaml:"read_buffer_size"`
	// ReadTimeout and WriteTimeout are the StreamConn defaults.
	ReadTimeout  Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout" yaml:"write_timeout"`
	// PingInterval makes a Driver ping the peer periodically. Zero disables.
	PingInterval Duration `toml:"ping_interval" yaml:"ping_interval"`
	// SettingsTimeout is how long a Driver waits for a SETTINGS ACK.
	SettingsTimeout Duration `toml:"settings_timeout" yaml:"settings_timeout"`
	// NetLog traces every frame read and written.
	NetLog bool `toml:"netlog" yaml:"netlog"`
	// LogLevel is the zerolog level name used by NewConsoleLogger.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	Logger  zerolog.Logger   `toml:"-" yaml:"-"`
	Metrics *Metrics         `toml:"-" yaml:"-"`
	Clock   func() time.Time `toml:"-" yaml:"-"`
}

// DefaultSettings returns the local settings used by DefaultConfig.
func DefaultSettings() Settings {
	s := ProtocolSettings()
	s.MaxConcurrentStreams = 100
	s.MaxHeaderListSize = 1 << 20
	return s
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	return &Config{
		Settings:              DefaultSettings(),
		ConnWindowSize:        1 << 20,
		MaxHeaderBlockSize:    DefaultMaxHeaderBlockSize,
		MaxSendBuffer:         DefaultMaxSendBuffer,
		ClosedStreamRetention: DefaultClosedStreamRetention,
		ClosedStreamGrace:     Duration{DefaultClosedStreamGrace},
		ReadBufferSize:        DefaultReadBufferSize,
		ReadTimeout:           Duration{DefaultReadTimeout},
		WriteTimeout:          Duration{DefaultWriteTimeout},
		SettingsTimeout:       Duration{10 * time.Second},
		LogLevel:              "info",
		Logger:                zerolog.Nop(),
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if err := cfg.Settings.Validate(); err != nil {
		return errors.Wrap(err, "settings")
	}
	if cfg.ConnWindowSize < DefaultInitialWindowSize || cfg.ConnWindowSize > MaxWindowSize {
		return errors.Errorf("conn_window_size %d out of range", cfg.ConnWindowSize)
	}
	if cfg.MaxHeaderBlockSize < 1 {
		return errors.Errorf("max_header_block_size %d must be positive", cfg.MaxHeaderBlockSize)
	}
	if cfg.MaxSendBuffer < 1 {
		return errors.Errorf("max_send_buffer %d must be positive", cfg.MaxSendBuffer)
	}
	if cfg.ClosedStreamRetention < 1 {
		return errors.Errorf("closed_stream_retention %d must be positive", cfg.ClosedStreamRetention)
	}
	if cfg.ClosedStreamGrace.Duration < 0 {
		return errors.Errorf("closed_stream_grace %v is negative", cfg.ClosedStreamGrace)
	}
	if cfg.ReadBufferSize < FrameHeaderSize {
		return errors.Errorf("read_buffer_size %d too small", cfg.ReadBufferSize)
	}
	if _, ok := ParseLevel(cfg.LogLevel); !ok && strings.TrimSpace(cfg.LogLevel) != "" {
		return errors.Errorf("log_level %q unknown", cfg.LogLevel)
	}
	return nil
}

func (cfg *Config) now() time.Time {
	if cfg.Clock != nil {
		return cfg.Clock()
	}
	return time.Now()
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) file over the
// defaults, applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config load failed (%s)", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = errors.Errorf("unknown config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "config parse failed (%s)", path)
	}
	applyEnvOverrides(cfg)
	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config invalid (%s)", path)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if _, ok := ParseLevel(raw); ok {
			cfg.LogLevel = raw
		}
	}
	if v, ok := parseBool(os.Getenv(EnvNetLog)); ok {
		cfg.NetLog = v
	}
}

// Package config provides the configuration schema, loader, and component
// registry for the qafmux daemon.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Render role keys accepted under the render block.
const (
	RenderTranscodePassthrough = "transcode_passthrough"
	RenderDefaultPassthrough   = "default_passthrough"
	RenderMultichannelOffload  = "multichannel_offload"
	RenderStereoOffload        = "stereo_offload"
	RenderBluetooth            = "bluetooth"
)

// RenderRoles lists the keys accepted under the render block.
var RenderRoles = []string{
	RenderTranscodePassthrough,
	RenderDefaultPassthrough,
	RenderMultichannelOffload,
	RenderStereoOffload,
	RenderBluetooth,
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Engine       ComponentEntry            `yaml:"engine"`
	Device       ComponentEntry            `yaml:"device"`
	Output       OutputConfig              `yaml:"output"`
	Render       map[string]FragmentConfig `yaml:"render"`
	Backpressure BackpressureConfig        `yaml:"backpressure"`
	Breaker      BreakerConfig             `yaml:"breaker"`
	Sinks        SinksConfig               `yaml:"sinks"`
}

// ServerConfig holds the admin listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin HTTP server (e.g., ":9464").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ComponentEntry selects a registered engine or device implementation.
// The Name field is used to look up the constructor in the [Registry].
type ComponentEntry struct {
	// Name selects the registered implementation (e.g., "loopback", "filesink").
	Name string `yaml:"name"`

	// LibraryPath locates the vendor library. Engines only.
	LibraryPath string `yaml:"library_path"`

	// LicenseKey unlocks the vendor library. Engines only.
	LicenseKey string `yaml:"license_key"`

	// Options holds implementation-specific settings.
	Options map[string]any `yaml:"options"`
}

// OutputConfig describes the engine's canonical output format.
type OutputConfig struct {
	// SampleRate of every PCM payload the engine emits. 0 means 48000.
	SampleRate int `yaml:"sample_rate"`
}

// FragmentConfig sizes the device buffer of one render role.
type FragmentConfig struct {
	FragmentSize  int `yaml:"fragment_size"`
	FragmentCount int `yaml:"fragment_count"`
}

// BackpressureConfig tunes the wait for free engine input buffer.
type BackpressureConfig struct {
	// PollInterval is how often buf_available is queried. 0 means 5ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FragmentSize is the free space, in bytes, that ends a wait for streams
	// that did not request their own size. 0 means 4096.
	FragmentSize int `yaml:"fragment_size"`
}

// BreakerConfig tunes the per-role render open breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// SinksConfig is the initial sink connectivity and capability state.
type SinksConfig struct {
	// Connected lists the connected sinks ("speaker", "hdmi", "bt").
	// Empty means the speaker only.
	Connected []string `yaml:"connected"`

	// HDMIChannels is the HDMI PCM channel capability: 2, 6 or 8.
	HDMIChannels int `yaml:"hdmi_channels"`

	// HDMIFormats lists the bitstream codecs the HDMI sink decodes.
	HDMIFormats []string `yaml:"hdmi_formats"`

	// Passthrough enables compressed output to HDMI.
	Passthrough bool `yaml:"passthrough"`

	// MultiSinkDecode keeps the stereo path next to multichannel HDMI.
	MultiSinkDecode bool `yaml:"multi_sink_decode"`
}

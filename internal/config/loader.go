package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/qafmux/pkg/audio"
)

// ValidComponentNames lists the built-in implementation names per component
// kind. Used by [Validate] to warn about unrecognised names.
var ValidComponentNames = map[string][]string{
	"engine": {"loopback"},
	"device": {"filesink"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	if cfg.Engine.Name == "" {
		errs = append(errs, errors.New("engine.name is required"))
	}
	validateComponentName("engine", cfg.Engine.Name)
	if cfg.Engine.LicenseKey == "" {
		slog.Warn("engine.license_key is empty; the engine will refuse to start")
	}

	// Device
	if cfg.Device.Name == "" {
		errs = append(errs, errors.New("device.name is required"))
	}
	validateComponentName("device", cfg.Device.Name)

	// Output
	if cfg.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("output.sample_rate %d must not be negative", cfg.Output.SampleRate))
	}

	// Render buffers
	for role, f := range cfg.Render {
		if !slices.Contains(RenderRoles, role) {
			errs = append(errs, fmt.Errorf("render.%s is not a render role; valid roles: %v", role, RenderRoles))
			continue
		}
		if f.FragmentSize <= 0 || f.FragmentCount <= 0 {
			errs = append(errs, fmt.Errorf("render.%s: fragment_size and fragment_count must be positive", role))
		}
	}

	// Backpressure and breaker
	if cfg.Backpressure.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("backpressure.poll_interval %s must not be negative", cfg.Backpressure.PollInterval))
	}
	if cfg.Backpressure.FragmentSize < 0 {
		errs = append(errs, fmt.Errorf("backpressure.fragment_size %d must not be negative", cfg.Backpressure.FragmentSize))
	}
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	// Sinks
	if _, err := cfg.Sinks.DeviceMask(); err != nil {
		errs = append(errs, fmt.Errorf("sinks.connected: %w", err))
	}
	switch cfg.Sinks.HDMIChannels {
	case 0, 2, 6, 8:
	default:
		errs = append(errs, fmt.Errorf("sinks.hdmi_channels %d is invalid; valid values: 2, 6, 8", cfg.Sinks.HDMIChannels))
	}
	if _, err := cfg.Sinks.Codecs(); err != nil {
		errs = append(errs, fmt.Errorf("sinks.hdmi_formats: %w", err))
	}
	if cfg.Sinks.Passthrough && len(cfg.Sinks.HDMIFormats) == 0 {
		slog.Warn("sinks.passthrough is on but sinks.hdmi_formats is empty; only engine-transcoded bitstreams reach HDMI")
	}

	return errors.Join(errs...)
}

// DeviceMask parses Connected into a sink mask.
func (s SinksConfig) DeviceMask() (audio.DeviceMask, error) {
	var (
		mask audio.DeviceMask
		errs []error
	)
	for _, name := range s.Connected {
		d, err := audio.ParseDevice(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mask |= d
	}
	return mask, errors.Join(errs...)
}

// Codecs parses HDMIFormats.
func (s SinksConfig) Codecs() ([]audio.Codec, error) {
	var (
		out  []audio.Codec
		errs []error
	)
	for _, name := range s.HDMIFormats {
		c, err := audio.ParseCodec(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !c.IsCompressed() {
			errs = append(errs, fmt.Errorf("%q is not a bitstream codec", name))
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

// validateComponentName logs a warning if name is non-empty and not found in
// the [ValidComponentNames] list for the given kind.
func validateComponentName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidComponentNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown component name; it must be registered before startup",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
